package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keygate/pkg/contracts/domain"
)

// ErrNotFound is returned when no license matches the given key or id.
var ErrNotFound = errors.New("license not found")

// License is the persisted entitlement entity.
type License struct {
	ID          int64
	LicenseKey  string
	SystemType  domain.SystemType
	MemberLevel domain.MemberLevel
	Status      domain.LicenseStatus
	ValidDays   int
	// MachineHash is the server-side keyed hash of the bound fingerprint,
	// empty when unbound.
	MachineHash string
	ActivatedAt *time.Time
	ExpireAt    *time.Time
	LastCheckAt *time.Time
	Note        string
	CreatedAt   time.Time
}

// Bound reports whether the license currently has a device binding.
func (l *License) Bound() bool {
	return l.MachineHash != ""
}

// ActivationLog is one immutable ledger entry.
type ActivationLog struct {
	ID          int64
	LicenseID   int64
	MachineHash string
	Action      domain.LogAction
	Origin      string
	CreatedAt   time.Time
}

const licenseColumns = `id, license_key, system_type, member_level, status, valid_days,
	machine_hash, activated_at, expire_at, last_check_at, note, created_at`

func scanLicense(row *sql.Row) (*License, error) {
	l := &License{}
	var machineHash sql.NullString
	var activatedAt, expireAt, lastCheckAt sql.NullTime
	var note sql.NullString

	err := row.Scan(
		&l.ID,
		&l.LicenseKey,
		&l.SystemType,
		&l.MemberLevel,
		&l.Status,
		&l.ValidDays,
		&machineHash,
		&activatedAt,
		&expireAt,
		&lastCheckAt,
		&note,
		&l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	l.MachineHash = machineHash.String
	l.Note = note.String
	if activatedAt.Valid {
		l.ActivatedAt = &activatedAt.Time
	}
	if expireAt.Valid {
		l.ExpireAt = &expireAt.Time
	}
	if lastCheckAt.Valid {
		l.LastCheckAt = &lastCheckAt.Time
	}
	return l, nil
}

// CreateLicense inserts a new unused license and returns its id.
func (s *Store) CreateLicense(ctx context.Context, key string, systemType domain.SystemType, level domain.MemberLevel, validDays int, note string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (license_key, system_type, member_level, status, valid_days, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, systemType, level, domain.StatusUnused, validDays, note, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create license: %w", err)
	}
	return res.LastInsertId()
}

// GetLicenseByKey retrieves a license outside a transaction.
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return scanLicense(row)
}

// GetLicenseByID retrieves a license by its numeric id.
func (s *Store) GetLicenseByID(ctx context.Context, id int64) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	return scanLicense(row)
}

// DeleteLicense removes a license; its log entries cascade.
func (s *Store) DeleteLicense(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLogs returns the activation ledger for a license, oldest first.
func (s *Store) GetLogs(ctx context.Context, licenseID int64) ([]ActivationLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, license_id, machine_hash, action, origin, created_at
		FROM activation_logs WHERE license_id = ? ORDER BY created_at ASC, id ASC`,
		licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []ActivationLog
	for rows.Next() {
		var entry ActivationLog
		if err := rows.Scan(&entry.ID, &entry.LicenseID, &entry.MachineHash,
			&entry.Action, &entry.Origin, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ----- transaction-scoped operations used by the state machine -----

// GetLicenseByKey retrieves a license inside the transaction. With the
// immediate write lock held, the row cannot change under the caller.
func (t *Tx) GetLicenseByKey(key string) (*License, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return scanLicense(row)
}

// GetLicenseByID retrieves a license by id inside the transaction.
func (t *Tx) GetLicenseByID(id int64) (*License, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	return scanLicense(row)
}

// bindActions is the subset of ledger entry kinds that consume the rebind
// allowance, derived from the domain vocabulary.
var bindActions = func() []domain.LogAction {
	var actions []domain.LogAction
	for _, a := range domain.LogActions {
		if a.CountsTowardRebindLimit() {
			actions = append(actions, a)
		}
	}
	return actions
}()

// CountBindEvents returns the number of ledger entries that consume the
// rebind allowance. All history counts, including entries for previously
// used devices.
func (t *Tx) CountBindEvents(licenseID int64) (int, error) {
	placeholders := make([]string, len(bindActions))
	args := make([]any, 0, len(bindActions)+1)
	args = append(args, licenseID)
	for i, a := range bindActions {
		placeholders[i] = "?"
		args = append(args, a)
	}

	var count int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM activation_logs
		WHERE license_id = ? AND action IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bind events: %w", err)
	}
	return count, nil
}

// AppendLog appends an immutable ledger entry.
func (t *Tx) AppendLog(licenseID int64, machineHash string, action domain.LogAction, origin string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO activation_logs (license_id, machine_hash, action, origin, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		licenseID, machineHash, action, origin, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append activation log: %w", err)
	}
	return nil
}

// UpdateStatus sets only the lifecycle status.
func (t *Tx) UpdateStatus(licenseID int64, status domain.LicenseStatus) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE licenses SET status = ? WHERE id = ?`, status, licenseID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// Bind activates a license onto a device. activated_at is only set when
// previously null and expire_at is preserved if already set, so a rebind
// never restarts the countdown.
func (t *Tx) Bind(licenseID int64, machineHash string, expireAt time.Time, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE licenses
		SET status = ?, machine_hash = ?,
		    activated_at = COALESCE(activated_at, ?),
		    expire_at = COALESCE(expire_at, ?),
		    last_check_at = ?
		WHERE id = ?`,
		domain.StatusActivated, machineHash, now, expireAt, now, licenseID)
	if err != nil {
		return fmt.Errorf("failed to bind license: %w", err)
	}
	return nil
}

// Rebind switches the binding to a new device, leaving expire_at untouched.
func (t *Tx) Rebind(licenseID int64, machineHash string, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE licenses
		SET status = ?, machine_hash = ?, last_check_at = ?
		WHERE id = ?`,
		domain.StatusActivated, machineHash, now, licenseID)
	if err != nil {
		return fmt.Errorf("failed to rebind license: %w", err)
	}
	return nil
}

// Unbind clears the device binding and returns the license to unused while
// keeping expire_at and the ledger, so a later reactivation resumes the same
// countdown and still counts against the rebind limit.
func (t *Tx) Unbind(licenseID int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE licenses SET machine_hash = NULL, status = ? WHERE id = ?`,
		domain.StatusUnused, licenseID)
	if err != nil {
		return fmt.Errorf("failed to unbind license: %w", err)
	}
	return nil
}

// Touch updates last_check_at.
func (t *Tx) Touch(licenseID int64, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE licenses SET last_check_at = ? WHERE id = ?`, now, licenseID)
	if err != nil {
		return fmt.Errorf("failed to touch license: %w", err)
	}
	return nil
}

// Extend moves expire_at and forces the license back to activated.
func (t *Tx) Extend(licenseID int64, expireAt time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE licenses SET expire_at = ?, status = ? WHERE id = ?`,
		expireAt, domain.StatusActivated, licenseID)
	if err != nil {
		return fmt.Errorf("failed to extend license: %w", err)
	}
	return nil
}

// Reset wipes the ledger and all activation state, returning the license to
// factory-fresh unused. This is the only operation that resets the rebind
// counter.
func (t *Tx) Reset(licenseID int64) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM activation_logs WHERE license_id = ?`, licenseID); err != nil {
		return fmt.Errorf("failed to clear activation logs: %w", err)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE licenses
		SET machine_hash = NULL, status = ?, activated_at = NULL,
		    expire_at = NULL, last_check_at = NULL
		WHERE id = ?`,
		domain.StatusUnused, licenseID)
	if err != nil {
		return fmt.Errorf("failed to reset license: %w", err)
	}
	return nil
}

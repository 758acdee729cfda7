// Package services implements the license lifecycle state machine.
//
// Every state transition runs inside a single immediate write transaction,
// so the rebind-count check and its ledger append can never observe a
// half-applied history. Domain denials (bad key, banned, expired, mismatch)
// are values, not errors; the error return is reserved for storage and
// other internal failures.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"keygate/internal/security"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// ErrNotFound is returned by lookups when no license matches.
var ErrNotFound = store.ErrNotFound

// ErrSystemMismatch is returned by CheckKey when the probe names a different
// product than the license was issued for.
var ErrSystemMismatch = errors.New("license is for a different product")

// Outcome is the domain result of a license operation. Exactly one of the
// denial codes is set when OK is false; Grant is set only on activate and
// verify successes.
type Outcome struct {
	OK      bool
	Code    domain.Code
	Message string
	Grant   *domain.Grant
}

func granted(g *domain.Grant) Outcome {
	return Outcome{OK: true, Grant: g}
}

func denied(code domain.Code, message string) Outcome {
	return Outcome{Code: code, Message: message}
}

// LicenseService owns all license state transitions.
type LicenseService struct {
	store       *store.Store
	pepper      string
	rebindLimit int
	logger      *slog.Logger

	// now is swapped in tests to drive expiry.
	now func() time.Time
}

// NewLicenseService creates the state machine over the given store. pepper
// is the server-side secret mixed into stored machine hashes; rebindLimit
// is the lifetime number of device bindings a license may consume.
func NewLicenseService(st *store.Store, pepper string, rebindLimit int, logger *slog.Logger) *LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseService{
		store:       st,
		pepper:      pepper,
		rebindLimit: rebindLimit,
		logger:      logger.With(slog.String("component", "license_service")),
		now:         time.Now,
	}
}

// maskKey hides all but the last group of a license key in logs.
func maskKey(key string) string {
	if i := strings.LastIndex(key, "-"); i > 0 {
		return "****-****-****" + key[i:]
	}
	return "****"
}

func (s *LicenseService) grantFor(lic *store.License, expireAt, now time.Time) *domain.Grant {
	days := int(math.Ceil(expireAt.Sub(now).Hours() / 24))
	if days < 0 {
		days = 0
	}
	return &domain.Grant{
		SystemType:    lic.SystemType,
		MemberLevel:   lic.MemberLevel,
		ExpireAt:      expireAt.UTC(),
		DaysRemaining: days,
		Timestamp:     now.UnixMilli(),
	}
}

// Activate binds a license to the device identified by machineCode.
//
// Re-activation from the already-bound device is idempotent and returns the
// existing grant. Activation from a different device requires force and
// consumes one rebind; a license that exhausts its rebind allowance is
// banned on the spot. The expiry countdown starts on first activation only
// and is never restarted by later bindings.
func (s *LicenseService) Activate(ctx context.Context, key, machineCode string, systemType domain.SystemType, force bool, origin string) (Outcome, error) {
	key = domain.NormalizeKey(key)
	hash := security.HashMachineCode(machineCode, s.pepper)
	now := s.now().UTC()

	var out Outcome
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		lic, err := tx.GetLicenseByKey(key)
		if errors.Is(err, store.ErrNotFound) {
			out = denied(domain.CodeInvalidLicense, "license key not found")
			return nil
		}
		if err != nil {
			return err
		}

		if systemType != "" && lic.SystemType != systemType {
			out = denied(domain.CodeSystemMismatch, "license is for a different product")
			return nil
		}
		if lic.Status == domain.StatusBanned {
			out = denied(domain.CodeBanned, "license is banned")
			return nil
		}
		if lic.Status == domain.StatusExpired {
			out = denied(domain.CodeExpired, "license has expired")
			return nil
		}

		if lic.Bound() {
			if lic.MachineHash == hash {
				// Same device asking again: hand back the existing grant,
				// flipping to expired first if the clock ran out.
				if lic.ExpireAt != nil && now.After(*lic.ExpireAt) {
					if err := tx.UpdateStatus(lic.ID, domain.StatusExpired); err != nil {
						return err
					}
					out = denied(domain.CodeExpired, "license has expired")
					return nil
				}
				if err := tx.Touch(lic.ID, now); err != nil {
					return err
				}
				out = granted(s.grantFor(lic, *lic.ExpireAt, now))
				return nil
			}
			if !force {
				out = denied(domain.CodeAlreadyActivated, "license is already activated on another device")
				return nil
			}
		}

		// Any new binding consumes rebind allowance, including a plain
		// re-activation after an unbind.
		count, err := tx.CountBindEvents(lic.ID)
		if err != nil {
			return err
		}
		if count >= s.rebindLimit {
			if err := tx.UpdateStatus(lic.ID, domain.StatusBanned); err != nil {
				return err
			}
			s.logger.WarnContext(ctx, "rebind limit exceeded, license banned",
				slog.String("license_key", maskKey(key)),
				slog.Int("bind_events", count))
			out = denied(domain.CodeBanned, "rebind limit exceeded, license has been banned")
			return nil
		}

		action := domain.ActionActivate
		if lic.Bound() {
			action = domain.ActionForceActivate
		}

		expireAt := now.Add(time.Duration(lic.ValidDays) * 24 * time.Hour)
		if lic.ExpireAt != nil {
			expireAt = *lic.ExpireAt
		}

		if lic.Bound() {
			// Moving an existing binding never touches activated_at or
			// expire_at.
			if err := tx.Rebind(lic.ID, hash, now); err != nil {
				return err
			}
		} else if err := tx.Bind(lic.ID, hash, expireAt, now); err != nil {
			return err
		}
		if err := tx.AppendLog(lic.ID, hash, action, origin); err != nil {
			return err
		}

		s.logger.InfoContext(ctx, "license activated",
			slog.String("license_key", maskKey(key)),
			slog.String("action", string(action)),
			slog.Int("bind_events", count+1))
		out = granted(s.grantFor(lic, expireAt, now))
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("activate: %w", err)
	}

	recordActivation(out)
	return out, nil
}

// Verify is the heartbeat check from a bound device. Expiry is applied
// lazily here: a past expire_at flips the status exactly once and the same
// denial repeats on every later call.
func (s *LicenseService) Verify(ctx context.Context, key, machineCode string, systemType domain.SystemType, origin string) (Outcome, error) {
	key = domain.NormalizeKey(key)
	hash := security.HashMachineCode(machineCode, s.pepper)
	now := s.now().UTC()

	var out Outcome
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		lic, err := tx.GetLicenseByKey(key)
		if errors.Is(err, store.ErrNotFound) {
			out = denied(domain.CodeInvalidLicense, "license key not found")
			return nil
		}
		if err != nil {
			return err
		}

		if systemType != "" && lic.SystemType != systemType {
			out = denied(domain.CodeSystemMismatch, "license is for a different product")
			return nil
		}
		if lic.Status == domain.StatusBanned {
			out = denied(domain.CodeBanned, "license is banned")
			return nil
		}
		if !lic.Bound() {
			out = denied(domain.CodeNotActivated, "license is not activated")
			return nil
		}
		if lic.MachineHash != hash {
			out = denied(domain.CodeMachineMismatch, "license is bound to a different device")
			return nil
		}
		if lic.ExpireAt != nil && now.After(*lic.ExpireAt) {
			if err := tx.UpdateStatus(lic.ID, domain.StatusExpired); err != nil {
				return err
			}
			out = denied(domain.CodeExpired, "license has expired")
			return nil
		}

		if err := tx.Touch(lic.ID, now); err != nil {
			return err
		}
		if err := tx.AppendLog(lic.ID, hash, domain.ActionVerify, origin); err != nil {
			return err
		}
		out = granted(s.grantFor(lic, *lic.ExpireAt, now))
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("verify: %w", err)
	}

	recordVerification(out)
	return out, nil
}

// UnbindByClient releases the device binding at the bound device's request.
// The expiry countdown and the activation ledger survive, so a later
// re-activation resumes the same countdown and still counts against the
// rebind limit.
func (s *LicenseService) UnbindByClient(ctx context.Context, key, machineCode, origin string) (Outcome, error) {
	key = domain.NormalizeKey(key)
	hash := security.HashMachineCode(machineCode, s.pepper)

	var out Outcome
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		lic, err := tx.GetLicenseByKey(key)
		if errors.Is(err, store.ErrNotFound) {
			out = denied(domain.CodeInvalidLicense, "license key not found")
			return nil
		}
		if err != nil {
			return err
		}

		if !lic.Bound() {
			out = denied(domain.CodeNotActivated, "license is not bound to any device")
			return nil
		}
		if lic.MachineHash != hash {
			out = denied(domain.CodeMachineMismatch, "license is bound to a different device")
			return nil
		}

		if err := tx.Unbind(lic.ID); err != nil {
			return err
		}
		if err := tx.AppendLog(lic.ID, hash, domain.ActionUnbind, origin); err != nil {
			return err
		}

		s.logger.InfoContext(ctx, "license unbound", slog.String("license_key", maskKey(key)))
		out = Outcome{OK: true, Message: "license unbound"}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("unbind: %w", err)
	}

	recordUnbind(out)
	return out, nil
}

// CheckKey is the unlogged status probe: it never touches last_check_at and
// never appends to the ledger. A non-empty systemType must match the one the
// license was issued for.
func (s *LicenseService) CheckKey(ctx context.Context, key string, systemType domain.SystemType) (*domain.KeyInfo, error) {
	lic, err := s.store.GetLicenseByKey(ctx, domain.NormalizeKey(key))
	if err != nil {
		return nil, err
	}
	if systemType != "" && lic.SystemType != systemType {
		return nil, ErrSystemMismatch
	}
	return &domain.KeyInfo{
		Status:      lic.Status,
		SystemType:  lic.SystemType,
		MemberLevel: lic.MemberLevel,
		IsBound:     lic.Bound(),
	}, nil
}

// ----- operator actions -----

// Ban puts a license out of service regardless of its current state.
func (s *LicenseService) Ban(ctx context.Context, id int64) error {
	return s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetLicenseByID(id); err != nil {
			return err
		}
		return tx.UpdateStatus(id, domain.StatusBanned)
	})
}

// Unban lifts a ban. A license that still carries a device binding returns
// to activated; one without goes back to unused.
func (s *LicenseService) Unban(ctx context.Context, id int64) error {
	return s.store.InTx(ctx, func(tx *store.Tx) error {
		lic, err := tx.GetLicenseByID(id)
		if err != nil {
			return err
		}
		next := domain.StatusUnused
		if lic.Bound() {
			next = domain.StatusActivated
		}
		return tx.UpdateStatus(id, next)
	})
}

// Extend pushes expire_at forward by days, counted from the current expiry
// or from now when the license has already lapsed, and forces the license
// back to activated.
func (s *LicenseService) Extend(ctx context.Context, id int64, days int) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, fmt.Errorf("extend: days must be positive, got %d", days)
	}

	now := s.now().UTC()
	var newExpire time.Time
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		lic, err := tx.GetLicenseByID(id)
		if err != nil {
			return err
		}
		base := now
		if lic.ExpireAt != nil && lic.ExpireAt.After(now) {
			base = lic.ExpireAt.UTC()
		}
		newExpire = base.Add(time.Duration(days) * 24 * time.Hour)
		return tx.Extend(id, newExpire)
	})
	if err != nil {
		return time.Time{}, err
	}
	return newExpire, nil
}

// Reset wipes all activation state and history, restoring the full rebind
// allowance. This is the only path that resets the rebind counter.
func (s *LicenseService) Reset(ctx context.Context, id int64) error {
	return s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetLicenseByID(id); err != nil {
			return err
		}
		return tx.Reset(id)
	})
}

// Delete removes a license and its ledger permanently.
func (s *LicenseService) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteLicense(ctx, id)
}

// CreateLicenses mints count fresh unused licenses and returns their keys.
func (s *LicenseService) CreateLicenses(ctx context.Context, systemType domain.SystemType, level domain.MemberLevel, validDays, count int, note string) ([]string, error) {
	if !systemType.Valid() {
		return nil, fmt.Errorf("create licenses: unknown system type %q", systemType)
	}
	if !level.Valid() {
		return nil, fmt.Errorf("create licenses: unknown member level %q", level)
	}
	if validDays <= 0 {
		return nil, fmt.Errorf("create licenses: valid_days must be positive, got %d", validDays)
	}
	if count < 1 || count > 1000 {
		return nil, fmt.Errorf("create licenses: count must be between 1 and 1000, got %d", count)
	}

	keys, err := store.GenerateKeys(count)
	if err != nil {
		return nil, fmt.Errorf("create licenses: %w", err)
	}
	for _, key := range keys {
		if _, err := s.store.CreateLicense(ctx, key, systemType, level, validDays, note); err != nil {
			return nil, fmt.Errorf("create licenses: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "licenses created",
		slog.Int("count", count),
		slog.String("system_type", string(systemType)),
		slog.String("member_level", string(level)))
	return keys, nil
}

// GetLicense returns a license by id for operator inspection.
func (s *LicenseService) GetLicense(ctx context.Context, id int64) (*store.License, error) {
	return s.store.GetLicenseByID(ctx, id)
}

package license

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"keygate/internal/security"
	"keygate/pkg/contracts/domain"
)

// Snapshot is the locally persisted license state, enough to resume after a
// restart without asking the user for the key again.
type Snapshot struct {
	LicenseKey     string             `json:"license_key"`
	MachineCode    string             `json:"machine_code"`
	SystemType     domain.SystemType  `json:"system_type"`
	MemberLevel    domain.MemberLevel `json:"member_level"`
	ActivatedAt    time.Time          `json:"activated_at"`
	ExpireAt       time.Time          `json:"expire_at"`
	LastVerifiedAt time.Time          `json:"last_verified_at"`
}

// SaveSnapshot encrypts and atomically writes the snapshot to path.
func SaveSnapshot(path string, snap *Snapshot, secret string) error {
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	payload, err := security.Encrypt(plaintext, secret, nil)
	if err != nil {
		return fmt.Errorf("failed to encrypt snapshot: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot container: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads and decrypts the snapshot at path. A missing file
// returns os.ErrNotExist; any corruption or tampering returns an error and
// the caller must treat it as having no license at all.
func LoadSnapshot(path, secret string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var payload security.EncryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("snapshot container corrupt: %w", err)
	}

	plaintext, err := security.Decrypt(&payload, secret, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot undecryptable: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return nil, fmt.Errorf("snapshot contents corrupt: %w", err)
	}
	if snap.LicenseKey == "" {
		return nil, fmt.Errorf("snapshot missing license key")
	}
	return &snap, nil
}

// RemoveSnapshot deletes the snapshot file, ignoring a missing file.
func RemoveSnapshot(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}

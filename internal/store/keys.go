package store

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// keyAlphabet excludes characters that are easy to confuse: I, O, 0, 1.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// keyGroups and keyGroupLen define the XXXX-XXXX-XXXX-XXXX display form.
const (
	keyGroups   = 4
	keyGroupLen = 4
)

// GenerateKey returns a new random license key in grouped display form.
func GenerateKey() (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	var b strings.Builder

	for g := 0; g < keyGroups; g++ {
		if g > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < keyGroupLen; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("failed to generate license key: %w", err)
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
	}

	return b.String(), nil
}

// GenerateKeys returns count distinct random license keys.
func GenerateKeys(count int) ([]string, error) {
	seen := make(map[string]struct{}, count)
	keys := make([]string, 0, count)

	for len(keys) < count {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	return keys, nil
}

package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/pkg/contracts/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestLicense(t *testing.T, s *Store, key string) int64 {
	t.Helper()
	id, err := s.CreateLicense(context.Background(), key, domain.SystemDesktop, domain.LevelVIP, 30, "test")
	require.NoError(t, err)
	return id
}

func TestCreateAndGetLicense(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := createTestLicense(t, s, "AAAA-BBBB-CCCC-DDDD")
	assert.Positive(t, id)

	l, err := s.GetLicenseByKey(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusUnused, l.Status)
	assert.Equal(t, domain.SystemDesktop, l.SystemType)
	assert.Equal(t, domain.LevelVIP, l.MemberLevel)
	assert.Equal(t, 30, l.ValidDays)
	assert.False(t, l.Bound())
	assert.Nil(t, l.ExpireAt)
	assert.Nil(t, l.ActivatedAt)
}

func TestGetLicenseByKeyNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetLicenseByKey(context.Background(), "ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDuplicateKeyFails(t *testing.T) {
	s := openTestStore(t)
	createTestLicense(t, s, "AAAA-BBBB-CCCC-DDDD")

	_, err := s.CreateLicense(context.Background(), "AAAA-BBBB-CCCC-DDDD", domain.SystemDesktop, domain.LevelVIP, 30, "")
	require.Error(t, err)
}

func TestBindPreservesExpireAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestLicense(t, s, "AAAA-BBBB-CCCC-DDDD")

	now := time.Now().UTC().Truncate(time.Second)
	expire := now.Add(30 * 24 * time.Hour)

	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.Bind(id, "hash-a", expire, now)
	})
	require.NoError(t, err)

	l, err := s.GetLicenseByKey(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	require.NotNil(t, l.ExpireAt)
	firstExpire := *l.ExpireAt

	// A second bind with a different proposed expiry must not move it.
	later := now.Add(10 * 24 * time.Hour)
	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.Bind(id, "hash-b", later.Add(30*24*time.Hour), later)
	})
	require.NoError(t, err)

	l, err = s.GetLicenseByKey(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, "hash-b", l.MachineHash)
	assert.True(t, l.ExpireAt.Equal(firstExpire))
}

func TestCountBindEventsIgnoresVerifyAndUnbind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestLicense(t, s, "AAAA-BBBB-CCCC-DDDD")

	err := s.InTx(ctx, func(tx *Tx) error {
		for _, action := range []domain.LogAction{
			domain.ActionActivate,
			domain.ActionForceActivate,
			domain.ActionVerify,
			domain.ActionVerify,
			domain.ActionUnbind,
		} {
			if err := tx.AppendLog(id, "hash-a", action, ""); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var count int
	err = s.InTx(ctx, func(tx *Tx) error {
		var err error
		count, err = tx.CountBindEvents(id)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestUnbindKeepsExpireAtAndLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestLicense(t, s, "AAAA-BBBB-CCCC-DDDD")

	now := time.Now().UTC()
	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.Bind(id, "hash-a", now.Add(720*time.Hour), now); err != nil {
			return err
		}
		return tx.AppendLog(id, "hash-a", domain.ActionActivate, "")
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.Unbind(id)
	})
	require.NoError(t, err)

	l, err := s.GetLicenseByKey(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnused, l.Status)
	assert.False(t, l.Bound())
	assert.NotNil(t, l.ExpireAt)

	logs, err := s.GetLogs(ctx, id)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestResetClearsEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestLicense(t, s, "AAAA-BBBB-CCCC-DDDD")

	now := time.Now().UTC()
	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.Bind(id, "hash-a", now.Add(720*time.Hour), now); err != nil {
			return err
		}
		if err := tx.AppendLog(id, "hash-a", domain.ActionActivate, ""); err != nil {
			return err
		}
		return tx.AppendLog(id, "hash-b", domain.ActionForceActivate, "")
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.Reset(id)
	})
	require.NoError(t, err)

	l, err := s.GetLicenseByKey(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnused, l.Status)
	assert.False(t, l.Bound())
	assert.Nil(t, l.ExpireAt)
	assert.Nil(t, l.ActivatedAt)
	assert.Nil(t, l.LastCheckAt)

	logs, err := s.GetLogs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestDeleteLicenseCascadesLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestLicense(t, s, "AAAA-BBBB-CCCC-DDDD")

	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.AppendLog(id, "hash-a", domain.ActionActivate, "")
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteLicense(ctx, id))

	_, err = s.GetLicenseByKey(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.ErrorIs(t, err, ErrNotFound)

	logs, err := s.GetLogs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestDeleteLicenseNotFound(t *testing.T) {
	s := openTestStore(t)
	require.ErrorIs(t, s.DeleteLicense(context.Background(), 12345), ErrNotFound)
}

func TestTxRollbackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestLicense(t, s, "AAAA-BBBB-CCCC-DDDD")

	wantErr := assert.AnError
	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.AppendLog(id, "hash-a", domain.ActionActivate, ""); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	logs, err := s.GetLogs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, logs, "log append must not survive a rolled-back transaction")
}

func TestGenerateKeyFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}(-[A-HJ-NP-Z2-9]{4}){3}$`)

	for i := 0; i < 50; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.Regexp(t, pattern, key)
		assert.NotContains(t, key, "I")
		assert.NotContains(t, key, "O")
		assert.NotContains(t, key, "0")
		assert.NotContains(t, key, "1")
	}
}

func TestGenerateKeysDistinct(t *testing.T) {
	keys, err := GenerateKeys(100)
	require.NoError(t, err)
	require.Len(t, keys, 100)

	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		_, dup := seen[k]
		assert.False(t, dup, "duplicate key %s", k)
		seen[k] = struct{}{}
	}
}

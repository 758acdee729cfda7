package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-shared-secret-0001"

func TestSignRequestDeterministic(t *testing.T) {
	body := []byte(`{"license_key":"ABCD-EFGH-JKLM-NPQR"}`)
	ts := time.Now().UnixMilli()

	sig1 := SignRequest(body, ts, testSecret)
	sig2 := SignRequest(body, ts, testSecret)

	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64) // hex-encoded SHA-256
}

func TestVerifyRequestRoundTrip(t *testing.T) {
	body := []byte(`{"license_key":"ABCD-EFGH-JKLM-NPQR","force":true}`)
	ts := int64(1700000000000)

	sig := SignRequest(body, ts, testSecret)
	assert.True(t, VerifyRequest(body, ts, testSecret, sig))
}

func TestVerifyRequestRejectsMutatedBody(t *testing.T) {
	body := []byte(`{"license_key":"ABCD-EFGH-JKLM-NPQR","force":false}`)
	ts := int64(1700000000000)
	sig := SignRequest(body, ts, testSecret)

	mutated := []byte(`{"license_key":"ABCD-EFGH-JKLM-NPQR","force":true}`)
	assert.False(t, VerifyRequest(mutated, ts, testSecret, sig))
}

func TestVerifyRequestRejectsShiftedTimestamp(t *testing.T) {
	body := []byte(`{}`)
	ts := int64(1700000000000)
	sig := SignRequest(body, ts, testSecret)

	assert.False(t, VerifyRequest(body, ts+1, testSecret, sig))
}

func TestVerifyRequestRejectsWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	ts := int64(1700000000000)
	sig := SignRequest(body, ts, testSecret)

	assert.False(t, VerifyRequest(body, ts, "another-secret-entirely-0002", sig))
}

func TestCheckTimestampWithinSkew(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	skew := 5 * time.Minute

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"current", 0, true},
		{"four minutes old", -4 * time.Minute, true},
		{"exactly five minutes old", -5 * time.Minute, true},
		{"six minutes old", -6 * time.Minute, false},
		{"four minutes ahead", 4 * time.Minute, true},
		{"six minutes ahead", 6 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := now.Add(tt.offset).UnixMilli()
			assert.Equal(t, tt.want, CheckTimestamp(ts, now, skew))
		})
	}
}

func TestSignPayloadVerifies(t *testing.T) {
	payload := []byte(`{"system_type":"desktop","member_level":"SVIP"}`)

	sig := SignPayload(payload, testSecret)
	assert.True(t, VerifyPayload(payload, testSecret, sig))
	assert.False(t, VerifyPayload(append(payload, ' '), testSecret, sig))
}

func TestHashMachineCodeKeyed(t *testing.T) {
	code := "ABCD-1234-EFGH-5678"

	h1 := HashMachineCode(code, "pepper-one-0000000")
	h2 := HashMachineCode(code, "pepper-two-0000000")

	require.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Equal(t, h1, HashMachineCode(code, "pepper-one-0000000"))
}

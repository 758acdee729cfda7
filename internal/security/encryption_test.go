package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte(`{"license_key":"ABCD-EFGH-JKLM-NPQR","member_level":"SVIP"}`)

	payload, err := Encrypt(plaintext, testSecret, nil)
	require.NoError(t, err)

	decrypted, err := Decrypt(payload, testSecret, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptFreshNoncePerWrite(t *testing.T) {
	plaintext := []byte("identical snapshot contents")

	p1, err := Encrypt(plaintext, testSecret, nil)
	require.NoError(t, err)
	p2, err := Encrypt(plaintext, testSecret, nil)
	require.NoError(t, err)

	// Identical plaintexts must never produce identical ciphertexts.
	assert.NotEqual(t, p1.Nonce, p2.Nonce)
	assert.NotEqual(t, p1.Salt, p2.Salt)
	assert.NotEqual(t, p1.Ciphertext, p2.Ciphertext)
}

func TestDecryptWrongSecretFails(t *testing.T) {
	payload, err := Encrypt([]byte("data"), testSecret, nil)
	require.NoError(t, err)

	_, err = Decrypt(payload, "some-other-secret-00000", nil)
	require.Error(t, err)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	payload, err := Encrypt([]byte("data to protect"), testSecret, nil)
	require.NoError(t, err)

	payload.Ciphertext[0] ^= 0xFF

	_, err = Decrypt(payload, testSecret, nil)
	require.Error(t, err)
}

func TestDecryptMalformedPayloadFails(t *testing.T) {
	_, err := Decrypt(nil, testSecret, nil)
	require.Error(t, err)

	_, err = Decrypt(&EncryptedPayload{Version: 2}, testSecret, nil)
	require.Error(t, err)

	_, err = Decrypt(&EncryptedPayload{Version: 1, Salt: []byte("s"), Nonce: []byte("short")}, testSecret, nil)
	require.Error(t, err)
}

func TestEncryptRejectsEmptyInputs(t *testing.T) {
	_, err := Encrypt(nil, testSecret, nil)
	require.Error(t, err)

	_, err = Encrypt([]byte("data"), "", nil)
	require.Error(t, err)
}

package fcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key, _ := DeriveKey("test-encryption-key-for-unit-tests")
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	original := "wh_secret_abc123"

	encrypted, err := Encrypt(original, key)
	require.NoError(t, err)
	require.True(t, IsEncrypted(encrypted))
	require.NotEqual(t, original, encrypted)

	decrypted, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	require.Equal(t, original, decrypted)
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	decrypted, err := Decrypt("not-encrypted-value", testKey())
	require.NoError(t, err)
	require.Equal(t, "not-encrypted-value", decrypted)
}

func TestEmptyPlaintextIsNoop(t *testing.T) {
	encrypted, err := Encrypt("", testKey())
	require.NoError(t, err)
	require.Equal(t, "", encrypted)
}

func TestDeriveKeyRejectsEmpty(t *testing.T) {
	_, err := DeriveKey("")
	require.Error(t, err)
}

func TestEncryptDecryptAPIKeyRoundTrip(t *testing.T) {
	key := testKey()
	rec := APIKeyRecord{ID: "k1", Secret: "sk-live-abc", Scopes: []string{"flow:execute"}}

	enc, err := EncryptAPIKey(rec, key)
	require.NoError(t, err)
	require.True(t, IsEncrypted(enc.Secret))

	dec, err := DecryptAPIKey(enc, key)
	require.NoError(t, err)
	require.Equal(t, "sk-live-abc", dec.Secret)
}

func TestNilKeyDisablesEncryption(t *testing.T) {
	rec := APIKeyRecord{ID: "k1", Secret: "sk-live-abc"}
	out, err := EncryptAPIKey(rec, nil)
	require.NoError(t, err)
	require.Equal(t, "sk-live-abc", out.Secret)
}

package vault_test

import (
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/pkg/vault"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func TestVault_RoundTrip(t *testing.T) {
	v, err := vault.New("test-secret", getTestLogger())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("hello world")
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "hello world")
	assert.True(t, strings.HasPrefix(ciphertext, v.ActiveKeyID()+":"))

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hello world", plaintext)
}

func TestVault_EncryptIsNonDeterministic(t *testing.T) {
	v, err := vault.New("test-secret", getTestLogger())
	require.NoError(t, err)

	first, err := v.Encrypt("same input")
	require.NoError(t, err)
	second, err := v.Encrypt("same input")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVault_StructuredRoundTrip(t *testing.T) {
	v, err := vault.New("test-secret", getTestLogger())
	require.NoError(t, err)

	bundle := map[string]string{
		"access_token":  "at-123",
		"refresh_token": "rt-456",
	}

	ciphertext, err := v.EncryptStructured(bundle)
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "at-123")

	decrypted, err := v.DecryptStructured(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, bundle, decrypted)
}

func TestVault_TamperedCiphertext(t *testing.T) {
	v, err := vault.New("test-secret", getTestLogger())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("secret data")
	require.NoError(t, err)

	// flip the last hex digit
	last := ciphertext[len(ciphertext)-1]
	replacement := byte('0')
	if last == '0' {
		replacement = '1'
	}
	tampered := ciphertext[:len(ciphertext)-1] + string(replacement)

	_, err = v.Decrypt(tampered)
	assert.ErrorIs(t, err, vault.ErrDecryption)
}

func TestVault_MalformedCiphertext(t *testing.T) {
	v, err := vault.New("test-secret", getTestLogger())
	require.NoError(t, err)

	for _, input := range []string{"", "no-separator", "deadbeef:zz-not-hex", "deadbeef:00"} {
		_, err := v.Decrypt(input)
		assert.ErrorIs(t, err, vault.ErrDecryption, "input: %q", input)
	}
}

func TestVault_WrongKey(t *testing.T) {
	first, err := vault.New("secret-one", getTestLogger())
	require.NoError(t, err)
	second, err := vault.New("secret-two", getTestLogger())
	require.NoError(t, err)

	ciphertext, err := first.Encrypt("secret data")
	require.NoError(t, err)

	_, err = second.Decrypt(ciphertext)
	assert.ErrorIs(t, err, vault.ErrDecryption)
}

func TestVault_RotateKeepsOldCiphertextsReadable(t *testing.T) {
	v, err := vault.New("original-secret", getTestLogger())
	require.NoError(t, err)
	oldKeyID := v.ActiveKeyID()

	oldCiphertext, err := v.Encrypt("written before rotation")
	require.NoError(t, err)

	newKeyID, err := v.RotateKey("rotated-secret")
	require.NoError(t, err)
	assert.NotEqual(t, oldKeyID, newKeyID)
	assert.Equal(t, newKeyID, v.ActiveKeyID())

	// old ciphertext still opens via the retired key
	plaintext, err := v.Decrypt(oldCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "written before rotation", plaintext)

	// new writes are sealed with the new key
	newCiphertext, err := v.Encrypt("written after rotation")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(newCiphertext, newKeyID+":"))

	plaintext, err = v.Decrypt(newCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "written after rotation", plaintext)
}

func TestVault_EmptySecret(t *testing.T) {
	_, err := vault.New("", getTestLogger())
	assert.Error(t, err)
}

func TestVault_GeneratedKey(t *testing.T) {
	v, err := vault.NewWithGeneratedKey(getTestLogger())
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("ephemeral")
	require.NoError(t, err)

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "ephemeral", plaintext)
}

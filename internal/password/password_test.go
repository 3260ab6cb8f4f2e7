package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaintext(t *testing.T) {
	assert.True(t, Verify("secret", []byte("secret")))
	assert.False(t, Verify("secret", []byte("wrong")))
}

func TestSSHARoundtrip(t *testing.T) {
	stored := HashSSHA([]byte("secret"))
	assert.True(t, len(stored) > len("{SSHA}"))

	assert.True(t, Verify(stored, []byte("secret")))
	assert.False(t, Verify(stored, []byte("Secret")))
}

func TestSSHAHashesDiffer(t *testing.T) {
	a := HashSSHA([]byte("secret"))
	b := HashSSHA([]byte("secret"))

	assert.NotEqual(t, a, b, "salted hashes must differ")
	assert.True(t, Verify(a, []byte("secret")))
	assert.True(t, Verify(b, []byte("secret")))
}

func TestBcryptRoundtrip(t *testing.T) {
	stored, err := HashBcrypt([]byte("secret"))
	require.NoError(t, err)

	assert.True(t, Verify(stored, []byte("secret")))
	assert.False(t, Verify(stored, []byte("wrong")))
}

func TestUnknownSchemeNeverMatches(t *testing.T) {
	assert.False(t, Verify("{MD9}whatever", []byte("whatever")))
}

func TestMalformedBase64(t *testing.T) {
	assert.False(t, Verify("{SSHA}!!!", []byte("secret")))
	assert.False(t, Verify("{SHA}!!!", []byte("secret")))
}

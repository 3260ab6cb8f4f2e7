// Package password verifies and produces userPassword values in the
// schemes OpenLDAP-era directories exchange: {SSHA}, {SHA}, {BCRYPT}, and
// plaintext.
package password

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SSHA is the interop format, not our choice
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const sshaSaltLen = 8

// Verify checks a candidate password against a stored userPassword value.
// Unknown schemes never match.
func Verify(stored string, candidate []byte) bool {
	scheme, payload := splitScheme(stored)

	switch scheme {
	case "":
		return subtle.ConstantTimeCompare([]byte(stored), candidate) == 1
	case "SSHA":
		return verifySSHA(payload, candidate)
	case "SHA":
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return false
		}
		sum := sha1.Sum(candidate) //nolint:gosec

		return subtle.ConstantTimeCompare(raw, sum[:]) == 1
	case "BCRYPT", "CRYPT":
		return bcrypt.CompareHashAndPassword([]byte(payload), candidate) == nil
	}

	return false
}

func splitScheme(stored string) (scheme, payload string) {
	if !strings.HasPrefix(stored, "{") {
		return "", stored
	}

	end := strings.IndexByte(stored, '}')
	if end < 0 {
		return "", stored
	}

	return strings.ToUpper(stored[1:end]), stored[end+1:]
}

func verifySSHA(payload string, candidate []byte) bool {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(raw) <= sha1.Size {
		return false
	}

	digest, salt := raw[:sha1.Size], raw[sha1.Size:]

	h := sha1.New() //nolint:gosec
	h.Write(candidate)
	h.Write(salt)

	return subtle.ConstantTimeCompare(digest, h.Sum(nil)) == 1
}

// HashSSHA produces an {SSHA} value for a plaintext password; used when
// seeding the admin account.
func HashSSHA(plain []byte) string {
	salt := make([]byte, sshaSaltLen)
	if _, err := rand.Read(salt); err != nil {
		// crypto/rand failing means the process is in no state to mint
		// credentials at all.
		panic(err)
	}

	h := sha1.New() //nolint:gosec
	h.Write(plain)
	h.Write(salt)

	var buf bytes.Buffer
	buf.Write(h.Sum(nil))
	buf.Write(salt)

	return "{SSHA}" + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// HashBcrypt produces a {BCRYPT} value at the default cost.
func HashBcrypt(plain []byte) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(plain, bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return "{BCRYPT}" + string(hash), nil
}

package alarm

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Default scrypt cost parameters, matching the original's
// CRYPTO_ScryptPassword defaults.
const (
	scryptN = 1024
	scryptR = 8
	scryptP = 16

	scryptKeyLen = 64
	saltLen      = 16
)

// GenerateSalt returns a base64url (no padding) encoded cryptographically
// secure 16-byte salt.
func GenerateSalt() (string, error) {
	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashPIN derives a PHC-formatted scrypt hash for code using salt, matching
// the wire format `$scrypt$N=..$r=..$p=..$<salt>$<base64hash>`
// (https://github.com/P-H-C/phc-string-format/blob/master/phc-sf-spec.md).
func HashPIN(code, salt string) (string, error) {
	return hashPIN(code, salt, scryptN, scryptR, scryptP)
}

func hashPIN(code, salt string, n, r, p int) (string, error) {
	if code == "" || salt == "" {
		return "", ErrInvalidCode
	}
	key, err := scrypt.Key([]byte(code), []byte(salt), n, r, p, scryptKeyLen)
	if err != nil {
		return "", err
	}
	hash := base64.RawURLEncoding.EncodeToString(key)
	return fmt.Sprintf("$scrypt$N=%d$r=%d$p=%d$%s$%s", n, r, p, salt, hash), nil
}

// scryptParameters is the parsed PHC string.
type scryptParameters struct {
	n, r, p int
	salt    string
}

// parsePHC parses a PHC-encoded scrypt hash, the Go analogue of
// CRYPTO_ParsePhcScryptParameters.
func parsePHC(phc string) (scryptParameters, bool) {
	if !strings.Contains(phc, "$scrypt") {
		return scryptParameters{}, false
	}
	parts := strings.Split(phc, "$")
	// "" "scrypt" "N=.." "r=.." "p=.." "<salt>" "<hash>"
	if len(parts) != 7 {
		return scryptParameters{}, false
	}
	var params scryptParameters
	var err error
	if params.n, err = parseKV(parts[2], "N="); err != nil {
		return scryptParameters{}, false
	}
	if params.r, err = parseKV(parts[3], "r="); err != nil {
		return scryptParameters{}, false
	}
	if params.p, err = parseKV(parts[4], "p="); err != nil {
		return scryptParameters{}, false
	}
	params.salt = parts[5]
	if params.n <= 0 || params.r <= 0 || params.p <= 0 || params.salt == "" {
		return scryptParameters{}, false
	}
	return params, true
}

func parseKV(field, prefix string) (int, error) {
	if !strings.HasPrefix(field, prefix) {
		return 0, ErrInvalidCode
	}
	return strconv.Atoi(strings.TrimPrefix(field, prefix))
}

// VerifyPIN reports whether code matches the PHC-encoded hash phc, in
// constant time against the stored digest.
func VerifyPIN(phc, code string) bool {
	if phc == "" || code == "" {
		return false
	}
	params, ok := parsePHC(phc)
	if !ok {
		return false
	}
	candidate, err := hashPIN(code, params.salt, params.n, params.r, params.p)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(phc)) == 1
}

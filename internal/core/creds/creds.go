// Package creds generates database credentials for provisioned sites.
package creds

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// DefaultLength is the password length used when the caller does not
// configure one.
const DefaultLength = 32

// alphabet deliberately contains only letters and digits. Generated
// values are interpolated into SQL statements, YAML documents and env
// files, so quoting-sensitive characters (quotes, backslashes, dollar
// signs and friends) are excluded entirely rather than escaped at every
// call site.
const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrInvalidLength is returned for non-positive password lengths.
var ErrInvalidLength = errors.New("password length must be positive")

// Generate returns a random password of the given length drawn from the
// quoting-safe alphabet using crypto/rand.
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}

	return string(out), nil
}

package internal

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// NewLinkTokenID returns a random UUID for tokens delivered as links.
func NewLinkTokenID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewOTP returns a code of 6 to 10 uniformly random decimal digits. Leading
// zeros are kept.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", fmt.Errorf("otp length %d outside 6..10", digits)
	}

	out := make([]byte, 0, digits)
	buf := make([]byte, digits*2)
	for len(out) < digits {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// Bytes 250..255 would bias the low digits.
			if b >= 250 || len(out) == digits {
				continue
			}
			out = append(out, '0'+b%10)
		}
	}
	return string(out), nil
}

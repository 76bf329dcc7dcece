package credential

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const PinLength = 4

var ErrMalformedPin = errors.New("pin must be 4 digits")

// BcryptVerifier hashes and checks PINs with bcrypt.
type BcryptVerifier struct {
	Cost int
}

func NewBcryptVerifier() *BcryptVerifier {
	return &BcryptVerifier{Cost: bcrypt.DefaultCost}
}

// VerifyPin is constant-time with respect to the stored hash; any malformed
// hash simply fails.
func (v *BcryptVerifier) VerifyPin(plain, hash string) bool {
	if plain == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

func (v *BcryptVerifier) Hash(plain string) (string, error) {
	if err := ValidatePin(plain); err != nil {
		return "", err
	}
	cost := v.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(out), nil
}

func ValidatePin(plain string) error {
	if len(plain) != PinLength {
		return ErrMalformedPin
	}
	for _, r := range plain {
		if r < '0' || r > '9' {
			return ErrMalformedPin
		}
	}
	return nil
}

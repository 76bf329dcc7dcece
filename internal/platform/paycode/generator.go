package paycode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const (
	DefaultCodeDigits      = 6
	DefaultCodeMaxAttempts = 10
	maxCodeDigits          = 12
)

// CodeGenerator draws fixed-width numeric codes. Uniqueness among ACTIVE codes
// is enforced by the store; the generator only retries on ErrDuplicateCode.
type CodeGenerator struct {
	Rand io.Reader

	digits      int
	maxAttempts int
	space       *big.Int
}

func NewCodeGenerator(digits, maxAttempts int) *CodeGenerator {
	if digits <= 0 || digits > maxCodeDigits {
		digits = DefaultCodeDigits
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultCodeMaxAttempts
	}
	space := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	return &CodeGenerator{Rand: rand.Reader, digits: digits, maxAttempts: maxAttempts, space: space}
}

func (g *CodeGenerator) Digits() int { return g.digits }

// Candidate returns a uniformly drawn, zero-padded code.
func (g *CodeGenerator) Candidate() (string, error) {
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	n, err := rand.Int(src, g.space)
	if err != nil {
		return "", fmt.Errorf("draw code: %w", err)
	}
	return fmt.Sprintf("%0*d", g.digits, n), nil
}

// Generate offers candidates to claim until one is accepted. claim must insert
// the code and return ErrDuplicateCode when an ACTIVE code already holds it;
// any other error stops the loop.
func (g *CodeGenerator) Generate(ctx context.Context, claim func(ctx context.Context, code string) error) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := g.Candidate()
		if err != nil {
			return "", err
		}
		err = claim(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrDuplicateCode) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %d attempts", ErrCodeSpaceExhausted, g.maxAttempts)
}

// IsWellFormed reports whether s has the generator's width and only digits.
func (g *CodeGenerator) IsWellFormed(s string) bool {
	if len(s) != g.digits {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

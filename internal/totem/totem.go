// Package totem simulates the weighing totem that prints a token for every deposit.
package totem

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/engine"
)

const (
	defaultAttempts = 10
	minWeightCents  = 500
	maxWeightCents  = 50000
)

// Issuer is the part of the engine a totem needs.
type Issuer interface {
	IssueToken(ctx context.Context, opts engine.TokenIssueOptions) (domain.Token, error)
}

type Generator struct {
	Issuer      Issuer
	ActorID     string
	MaxAttempts int
	// IntN returns a value in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int
}

// ErrExhausted is returned when every attempted code collided with an outstanding token.
var ErrExhausted = errors.New("totem: no free token code found")

func (g Generator) intN(n int) int {
	if g.IntN != nil {
		return g.IntN(n)
	}
	return rand.IntN(n)
}

// Deposit draws a random code, weight in [5, 500] kg and category.
func (g Generator) Deposit() engine.TokenIssueOptions {
	cents := minWeightCents + g.intN(maxWeightCents-minWeightCents+1)
	return engine.TokenIssueOptions{
		Code:     fmt.Sprintf("%06d", g.intN(1_000_000)),
		Category: domain.Categories[g.intN(len(domain.Categories))],
		Weight:   decimal.New(int64(cents), -2),
		ActorID:  g.ActorID,
	}
}

// Generate issues one random token, drawing a new code whenever the previous one is still outstanding.
func (g Generator) Generate(ctx context.Context) (domain.Token, error) {
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	for i := 0; i < attempts; i++ {
		tok, err := g.Issuer.IssueToken(ctx, g.Deposit())
		var invalid domain.InvalidInputError
		if errors.As(err, &invalid) && invalid.Field == "code" {
			continue
		}
		return tok, err
	}
	return domain.Token{}, ErrExhausted
}

package totem

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/engine"
)

type fakeIssuer struct {
	outstanding map[string]bool
	calls       int
}

func (f *fakeIssuer) IssueToken(_ context.Context, opts engine.TokenIssueOptions) (domain.Token, error) {
	f.calls++
	if f.outstanding[opts.Code] {
		return domain.Token{}, domain.InvalidInputError{Field: "code", Reason: "outstanding"}
	}
	f.outstanding[opts.Code] = true
	return domain.Token{Code: opts.Code, Category: opts.Category, Weight: opts.Weight}, nil
}

// sequence returns the given values in order, wrapping around.
func sequence(vals ...int) func(int) int {
	i := 0
	return func(n int) int {
		v := vals[i%len(vals)] % n
		i++
		return v
	}
}

func TestDepositRanges(t *testing.T) {
	g := Generator{}
	for i := 0; i < 200; i++ {
		d := g.Deposit()
		assert.Len(t, d.Code, 6)
		assert.True(t, d.Category.Valid())
		assert.True(t, d.Weight.GreaterThanOrEqual(decimal.RequireFromString("5")), d.Weight.String())
		assert.True(t, d.Weight.LessThanOrEqual(decimal.RequireFromString("500")), d.Weight.String())
		assert.LessOrEqual(t, -d.Weight.Exponent(), int32(2))
	}
}

func TestGenerateRetriesCollisions(t *testing.T) {
	issuer := &fakeIssuer{outstanding: map[string]bool{"000042": true}}
	// weight, code, category per draw
	g := Generator{Issuer: issuer, IntN: sequence(0, 42, 0, 0, 43, 1)}

	tok, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "000043", tok.Code)
	assert.Equal(t, domain.CategoryOrganic, tok.Category)
	assert.Equal(t, 2, issuer.calls)
}

func TestGenerateGivesUp(t *testing.T) {
	issuer := &fakeIssuer{outstanding: map[string]bool{"000007": true}}
	g := Generator{Issuer: issuer, MaxAttempts: 3, IntN: sequence(7)}
	_, err := g.Generate(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, issuer.calls)
}

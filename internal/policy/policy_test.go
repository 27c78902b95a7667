package policy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysentry/internal/models"
)

func ptrFloat(f float64) *float64 { return &f }
func ptrInt(i int) *int           { return &i }

func TestEvaluateScenarios(t *testing.T) {
	p := Default()

	tests := []struct {
		name    string
		bet     float64
		odds    float64
		age     models.WalletAge
		matched bool
	}{
		{"small bet", 500 * 0.5, 0.10, models.AgeOf(5), false},
		{"odds above limit", 20000 * 0.6, 0.6, models.AgeOf(5), false},
		{"large bet long shot new wallet", 20000 * 0.6, 0.10, models.AgeOf(5), true},
		{"old wallet", 20000 * 0.6, 0.10, models.AgeOf(500), false},
		{"age at limit is not new", 12000, 0.10, models.AgeOf(30), false},
		{"bet at limit", 10000, 0.20, models.AgeOf(29), true},
		{"unknown age lenient", 12000, 0.10, models.UnknownAge, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Evaluate(tt.bet, tt.odds, tt.age, "")
			assert.Equal(t, tt.matched, v.Matched, "reasons: %v", v.Reasons)
		})
	}
}

func TestEvaluateReasons(t *testing.T) {
	v := Default().Evaluate(12000, 0.10, models.AgeOf(5), "news")
	require.True(t, v.Matched)
	assert.Equal(t, []Reason{ReasonLargeBet, ReasonLowOdds, ReasonNewWallet}, v.Reasons)
	assert.Equal(t, []string{"large_bet", "low_odds", "new_wallet"}, v.Strings())

	v = Default().Evaluate(12000, 0.10, models.UnknownAge, "news")
	assert.Contains(t, v.Reasons, ReasonUnknownAge)
}

func TestEffectiveMergesOverrides(t *testing.T) {
	p, err := New(Config{
		Defaults: Thresholds{MinBetSize: 10000, MaxOdds: 0.2, WalletAgeDays: 30},
		Overrides: map[string]Override{
			"Crypto": {MinBetSize: ptrFloat(5000)},
			"sports": {MaxOdds: ptrFloat(0.1), WalletAgeDays: ptrInt(7)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, Thresholds{MinBetSize: 5000, MaxOdds: 0.2, WalletAgeDays: 30}, p.Effective("crypto"))
	assert.Equal(t, Thresholds{MinBetSize: 10000, MaxOdds: 0.1, WalletAgeDays: 7}, p.Effective("SPORTS"))
	assert.Equal(t, Thresholds{MinBetSize: 10000, MaxOdds: 0.2, WalletAgeDays: 30}, p.Effective("politics"))

	assert.True(t, p.Evaluate(6000, 0.1, models.AgeOf(1), "crypto").Matched)
	assert.False(t, p.Evaluate(6000, 0.1, models.AgeOf(1), "politics").Matched)
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	_, err := New(Config{Defaults: Thresholds{MinBetSize: 1, MaxOdds: 1.5, WalletAgeDays: 1}})
	assert.Error(t, err)

	_, err = New(Config{
		Defaults:  Thresholds{MinBetSize: 1, MaxOdds: 0.5, WalletAgeDays: 1},
		Overrides: map[string]Override{"news": {WalletAgeDays: ptrInt(-1)}},
	})
	assert.Error(t, err)

	_, err = New(Config{
		Defaults:  Thresholds{MinBetSize: 1, MaxOdds: 0.5, WalletAgeDays: 1},
		Overrides: map[string]Override{"news": {MaxOdds: ptrFloat(1.0)}},
	})
	assert.Error(t, err, "max_odds of 1.0 would match outcomes with no price")
}

func TestParseUnknownAgePolicy(t *testing.T) {
	for in, want := range map[string]UnknownAgePolicy{"": Lenient, "lenient": Lenient, "STRICT": Strict} {
		got, err := ParseUnknownAgePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseUnknownAgePolicy("paranoid")
	assert.Error(t, err)
}

func randomAge(r *rand.Rand) models.WalletAge {
	if r.Intn(4) == 0 {
		return models.UnknownAge
	}
	return models.AgeOf(r.Intn(1000))
}

func TestPropertySmallBetsNeverMatch(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	p := Default()
	for i := 0; i < 5000; i++ {
		bet := r.Float64() * (DefaultMinBetSize - 0.01)
		odds := r.Float64()
		v := p.Evaluate(bet, odds, randomAge(r), "")
		require.False(t, v.Matched, "bet=%f odds=%f", bet, odds)
	}
}

func TestPropertyHighOddsNeverMatch(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	p := Default()
	for i := 0; i < 5000; i++ {
		bet := r.Float64() * 1e6
		odds := DefaultMaxOdds + 0.0001 + r.Float64()*(1-DefaultMaxOdds-0.0001)
		v := p.Evaluate(bet, odds, randomAge(r), "")
		require.False(t, v.Matched, "bet=%f odds=%f", bet, odds)
	}
}

func TestPropertyUnknownAgeFollowsPolicy(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	lenient := Default()
	strict, err := New(Config{
		Defaults:   Thresholds{MinBetSize: DefaultMinBetSize, MaxOdds: DefaultMaxOdds, WalletAgeDays: DefaultWalletAgeDays},
		UnknownAge: Strict,
	})
	require.NoError(t, err)

	for i := 0; i < 5000; i++ {
		bet := DefaultMinBetSize + r.Float64()*1e6
		odds := r.Float64() * DefaultMaxOdds
		require.True(t, lenient.Evaluate(bet, odds, models.UnknownAge, "").Matched)
		require.False(t, strict.Evaluate(bet, odds, models.UnknownAge, "").Matched)
	}
}

func TestPropertyDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	p := Default()
	for i := 0; i < 1000; i++ {
		bet, odds, age := r.Float64()*20000, r.Float64(), randomAge(r)
		assert.Equal(t, p.Evaluate(bet, odds, age, "news"), p.Evaluate(bet, odds, age, "news"))
	}
}

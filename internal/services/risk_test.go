package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairbet-gateway/internal/models"
)

func TestTrackPattern(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var profile *models.RiskProfile
	var err error
	for i := 0; i < 5; i++ {
		profile, err = h.risk.TrackPattern(ctx, "user-1", decimal.NewFromInt(20))
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
	assert.Equal(t, 5, profile.TotalBets)
	assert.Equal(t, 5, profile.RecentCount)
	assert.Equal(t, 5, profile.IdenticalRun)
	assert.True(t, profile.RoundNumberOnly)

	h.clock.Advance(BurstWindow)
	profile, err = h.risk.TrackPattern(ctx, "user-1", decimal.RequireFromString("7.5"))
	require.NoError(t, err)
	assert.Equal(t, 1, profile.RecentCount)
	assert.Equal(t, 1, profile.IdenticalRun)
	assert.False(t, profile.RoundNumberOnly)
	assert.Equal(t, 6, profile.TotalBets)
}

func TestTrackPatternCapsHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var profile *models.RiskProfile
	var err error
	for i := 0; i < MaxProfileHistory+10; i++ {
		profile, err = h.risk.TrackPattern(ctx, "user-1", decimal.NewFromInt(int64(i+1)))
		require.NoError(t, err)
	}
	assert.Len(t, profile.Bets, MaxProfileHistory)
	assert.Equal(t, MaxProfileHistory+10, profile.TotalBets)
	assert.True(t, profile.Bets[0].Amount.Equal(decimal.NewFromInt(11)))
}

func TestRiskTiers(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		score int
		want  models.RiskTier
	}{
		{0, models.RiskTierNone},
		{19, models.RiskTierNone},
		{20, models.RiskTierLow},
		{39, models.RiskTierLow},
		{40, models.RiskTierMedium},
		{59, models.RiskTierMedium},
		{60, models.RiskTierHigh},
		{79, models.RiskTierHigh},
		{80, models.RiskTierCritical},
		{120, models.RiskTierCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.score), func(t *testing.T) {
			assert.Equal(t, tt.want, h.risk.tier(tt.score, tt.score))
		})
	}

	// Relief only moves a request between the lower tiers.
	assert.Equal(t, models.RiskTierLow, h.risk.tier(50, 20))
	assert.Equal(t, models.RiskTierHigh, h.risk.tier(65, 35))
	assert.Equal(t, models.RiskTierCritical, h.risk.tier(95, 65))
}

func TestCalculateRiskScoreAppliesRelief(t *testing.T) {
	h := newHarness(t, nil)
	h.risk.WithRules(alwaysRule(50))

	a := h.risk.CalculateRiskScore("user-1", "203.0.113.7", RiskSignals{})
	assert.Equal(t, 50, a.RawScore)
	assert.Equal(t, 50, a.Score)
	assert.Equal(t, models.RiskTierMedium, a.Tier)
	assert.Equal(t, []string{"fixed test weight"}, a.Reasons)

	a = h.risk.CalculateRiskScore("user-1", "203.0.113.7", RiskSignals{Profile: models.RiskProfile{CaptchaRelief: 30}})
	assert.Equal(t, 20, a.Score)
	assert.Equal(t, models.RiskTierLow, a.Tier)

	// Relief above one grant is capped.
	a = h.risk.CalculateRiskScore("user-1", "203.0.113.7", RiskSignals{Profile: models.RiskProfile{CaptchaRelief: 90}})
	assert.Equal(t, 20, a.Score)

	h.risk.WithRules(alwaysRule(20))
	a = h.risk.CalculateRiskScore("user-1", "203.0.113.7", RiskSignals{Profile: models.RiskProfile{CaptchaRelief: 30}})
	assert.Equal(t, 0, a.Score)
	assert.Equal(t, models.RiskTierNone, a.Tier)

	h.risk.WithRules(alwaysRule(65))
	a = h.risk.CalculateRiskScore("user-1", "203.0.113.7", RiskSignals{Profile: models.RiskProfile{CaptchaRelief: 30}})
	assert.Equal(t, 35, a.Score)
	assert.Equal(t, models.RiskTierHigh, a.Tier)
}

func TestDefaultRules(t *testing.T) {
	h := newHarness(t, nil)
	w := h.cfg.Risk.Weights

	tests := []struct {
		name    string
		signals RiskSignals
		want    int
	}{
		{"quiet", RiskSignals{}, 0},
		{"burst", RiskSignals{Profile: models.RiskProfile{RecentCount: 5}}, w.BurstBetting},
		{"rate violations", RiskSignals{RateViolations: 3}, w.RateViolations},
		{"failed auth", RiskSignals{FailedAuth: 5}, w.FailedAuth},
		{"identical run", RiskSignals{Profile: models.RiskProfile{IdenticalRun: 10}}, w.IdenticalBets},
		{"round numbers need volume", RiskSignals{Profile: models.RiskProfile{RoundNumberOnly: true, TotalBets: 15}}, 0},
		{"round numbers", RiskSignals{Profile: models.RiskProfile{RoundNumberOnly: true, TotalBets: 16}}, w.RoundNumbers},
		{"three accounts on ip", RiskSignals{DistinctIPUsers: 3}, 0},
		{"shared ip", RiskSignals{DistinctIPUsers: 4}, w.SharedIP},
		{
			"new account high bets",
			RiskSignals{
				AccountAge: 10 * time.Minute,
				Profile:    models.RiskProfile{Bets: []models.BetSample{{Amount: decimal.NewFromInt(150)}}},
			},
			w.NewAccountHighBets,
		},
		{
			"old account high bets",
			RiskSignals{
				AccountAge: 48 * time.Hour,
				Profile:    models.RiskProfile{Bets: []models.BetSample{{Amount: decimal.NewFromInt(150)}}},
			},
			0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := h.risk.CalculateRiskScore("user-1", "", tt.signals)
			assert.Equal(t, tt.want, a.RawScore)
		})
	}
}

func TestAssessSharedIPAndFailedAuth(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ip := "198.51.100.9"

	for i := 1; i <= 3; i++ {
		a, err := h.risk.Assess(ctx, RiskInput{UserID: fmt.Sprintf("user-%d", i), IP: ip, Amount: decimal.RequireFromString("3.3")})
		require.NoError(t, err)
		assert.Zero(t, a.Score)
	}

	a, err := h.risk.Assess(ctx, RiskInput{UserID: "user-4", IP: ip, Amount: decimal.RequireFromString("3.3")})
	require.NoError(t, err)
	assert.Equal(t, h.cfg.Risk.Weights.SharedIP, a.Score)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.risk.RecordAuthFailure(ctx, ip+":4431"))
	}
	a, err = h.risk.Assess(ctx, RiskInput{UserID: "user-4", IP: ip, Amount: decimal.RequireFromString("3.3")})
	require.NoError(t, err)
	assert.Equal(t, h.cfg.Risk.Weights.SharedIP+h.cfg.Risk.Weights.FailedAuth, a.Score)

	// Signals age out of the window.
	h.clock.Advance(h.cfg.Risk.SignalWindow + time.Second)
	a, err = h.risk.Assess(ctx, RiskInput{UserID: "user-4", IP: ip, Amount: decimal.RequireFromString("3.3")})
	require.NoError(t, err)
	assert.Zero(t, a.Score)
}

func TestCaptchaThresholdBoundary(t *testing.T) {
	ctx := context.Background()

	below := newHarness(t, nil)
	below.risk.WithRules(alwaysRule(39))
	receipt, err := below.gateway.Commit(ctx, below.bet(models.GameVariantDice, "10", "3", 1))
	require.NoError(t, err)
	require.NotNil(t, receipt.RiskScore)
	assert.Equal(t, 39, *receipt.RiskScore)

	at := newHarness(t, nil)
	at.risk.WithRules(alwaysRule(40))
	_, err = at.gateway.Commit(ctx, at.bet(models.GameVariantDice, "10", "3", 1))
	gerr := requireCode(t, err, models.CodeCaptchaRequired)
	assert.NotEmpty(t, gerr.Details["challengeId"])
	assert.Zero(t, at.verifier.calls)
}

func TestCaptchaReliefLowersScore(t *testing.T) {
	h := newHarness(t, nil)
	h.risk.WithRules(alwaysRule(50))
	ctx := context.Background()

	_, err := h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
	first := requireCode(t, err, models.CodeCaptchaRequired)

	// Asking again returns the same live challenge.
	_, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
	second := requireCode(t, err, models.CodeCaptchaRequired)
	assert.Equal(t, first.Details["challengeId"], second.Details["challengeId"])

	in := h.bet(models.GameVariantDice, "10", "3", 1)
	in.CaptchaToken = "solved-token"
	receipt, err := h.gateway.Commit(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, receipt.RiskScore)
	assert.Equal(t, 20, *receipt.RiskScore)

	snap, err := h.gateway.RiskSnapshot(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 20, snap.Score)
	assert.Equal(t, 30, snap.CaptchaRelief)
	assert.Equal(t, models.RiskTierLow, snap.Tier)

	// The relief sticks for the next bet.
	receipt, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 2))
	require.NoError(t, err)
	assert.Equal(t, 20, *receipt.RiskScore)
}

func TestCaptchaReliefDoesNotEscapeHighOrCritical(t *testing.T) {
	tests := []struct {
		name string
		raw  int
		want models.RejectCode
	}{
		{"high", 65, models.CodeSuspiciousCooldown},
		{"critical", 95, models.CodeAccountUnderReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.risk.WithRules(alwaysRule(50))
			ctx := context.Background()

			_, err := h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
			requireCode(t, err, models.CodeCaptchaRequired)

			in := h.bet(models.GameVariantDice, "10", "3", 1)
			in.CaptchaToken = "solved-token"
			_, err = h.gateway.Commit(ctx, in)
			require.NoError(t, err)

			// Further solves do not stack.
			require.NoError(t, h.risk.ApplyCaptchaRelief(ctx, "user-1"))
			require.NoError(t, h.risk.ApplyCaptchaRelief(ctx, "user-1"))
			snap, err := h.gateway.RiskSnapshot(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, 30, snap.CaptchaRelief)
			assert.Equal(t, 20, snap.Score)

			h.risk.WithRules(alwaysRule(tt.raw))
			_, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 2))
			requireCode(t, err, tt.want)

			snap, err = h.gateway.RiskSnapshot(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, tt.raw-30, snap.Score)
		})
	}
}

func TestCaptchaFailureCountsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.risk.WithRules(alwaysRule(45))
	h.verifier.verdict = CaptchaVerdict{Success: false}
	ctx := context.Background()

	_, err := h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
	requireCode(t, err, models.CodeCaptchaRequired)

	for remaining := 2; remaining >= 1; remaining-- {
		in := h.bet(models.GameVariantDice, "10", "3", 1)
		in.CaptchaToken = "wrong"
		_, err = h.gateway.Commit(ctx, in)
		gerr := requireCode(t, err, models.CodeCaptchaFailed)
		assert.Equal(t, remaining, gerr.Details["attemptsRemaining"])
	}

	in := h.bet(models.GameVariantDice, "10", "3", 1)
	in.CaptchaToken = "wrong"
	_, err = h.gateway.Commit(ctx, in)
	gerr := requireCode(t, err, models.CodeCaptchaFailed)
	assert.Equal(t, true, gerr.Details["exhausted"])

	// With the challenge burned, a token earns a fresh challenge instead.
	in = h.bet(models.GameVariantDice, "10", "3", 1)
	in.CaptchaToken = "wrong"
	_, err = h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeCaptchaRequired)
}

func TestCaptchaProviderErrorFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.risk.WithRules(alwaysRule(40))
	h.verifier.err = errors.New("provider timeout")
	ctx := context.Background()

	_, err := h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
	requireCode(t, err, models.CodeCaptchaRequired)

	in := h.bet(models.GameVariantDice, "10", "3", 1)
	in.CaptchaToken = "anything"
	_, err = h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeServiceUnavailable)

	snap, err := h.gateway.RiskSnapshot(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, snap.CaptchaRelief)
}

func TestHighRiskCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.risk.WithRules(alwaysRule(60))
	ctx := context.Background()

	_, err := h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
	gerr := requireCode(t, err, models.CodeSuspiciousCooldown)
	assert.Equal(t, 300, gerr.Details["retryAfterSeconds"])

	// The cooldown holds regardless of the next request's score.
	h.risk.WithRules(nil)
	h.clock.Advance(100 * time.Second)
	_, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 2))
	gerr = requireCode(t, err, models.CodeSuspiciousCooldown)
	assert.Equal(t, 200, gerr.Details["retryAfterSeconds"])

	snap, err := h.gateway.RiskSnapshot(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, snap.Cooldown)

	h.clock.Advance(201 * time.Second)
	_, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 3))
	assert.NoError(t, err)
}

func TestCriticalRiskEscalatesToReview(t *testing.T) {
	h := newHarness(t, nil)
	h.risk.WithRules(alwaysRule(80))
	ctx := context.Background()

	_, err := h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
	requireCode(t, err, models.CodeAccountUnderReview)

	under, err := h.commitments.IsUnderReview(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, under)

	// Losing the volatile flag does not lift the sanction.
	require.NoError(t, h.state.Delete(ctx, fmt.Sprintf(KeyReviewFlag, "user-1")))
	h.risk.WithRules(nil)
	_, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 2))
	requireCode(t, err, models.CodeAccountUnderReview)

	// Other users are unaffected.
	other := h.bet(models.GameVariantDice, "10", "3", 1)
	other.UserID = "user-2"
	_, err = h.gateway.Commit(ctx, other)
	assert.NoError(t, err)
}

func TestPracticeSkipsRisk(t *testing.T) {
	h := newHarness(t, nil)
	h.risk.WithRules(alwaysRule(100))
	ctx := context.Background()

	in := h.bet(models.GameVariantCrash, "10", "2.5", 1)
	in.Request.GameType = models.GameModePractice
	receipt, err := h.gateway.Commit(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, receipt.RiskScore)

	under, err := h.commitments.IsUnderReview(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, under)
}

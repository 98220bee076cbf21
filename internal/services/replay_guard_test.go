package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fairbet-gateway/internal/config"
	"fairbet-gateway/internal/models"
)

func TestAdmitRequestID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	in := h.bet(models.GameVariantDice, "10", "3", 1)
	in.Request.RequestID = ""
	_, err := h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeMissingRequestID)

	in.Request.RequestID = "not-a-request-id"
	_, err = h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeInvalidRequestID)

	in.Request.RequestID = strings.Repeat("A", 32)
	_, err = h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeInvalidRequestID)

	in.Request.RequestID = strings.Repeat("ab", 16)
	_, err = h.gateway.Commit(ctx, in)
	assert.NoError(t, err)
}

func TestAdmitTimestampSkew(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	in := h.bet(models.GameVariantDice, "10", "3", 1)
	in.Request.Timestamp = h.clock.Now().Add(-31 * time.Second).UnixMilli()

	_, err := h.gateway.Commit(ctx, in)
	gerr := requireCode(t, err, models.CodeInvalidTimestamp)
	assert.Equal(t, h.clock.Now().UnixMilli(), gerr.Details["serverTime"])
	assert.Equal(t, in.Request.Timestamp, gerr.Details["clientTime"])
	assert.Equal(t, int64(31000), gerr.Details["deltaMs"])

	// The claim was released, so the corrected request goes through.
	in.Request.Timestamp = h.clock.Now().Add(29 * time.Second).UnixMilli()
	_, err = h.gateway.Commit(ctx, in)
	assert.NoError(t, err)
}

func TestAdmitNonce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	in := h.bet(models.GameVariantDice, "10", "3", 0)
	in.Request.Nonce = "-1"
	_, err := h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeInvalidNonce)

	in.Request.Nonce = "1.5"
	_, err = h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeInvalidNonce)

	in.Request.Nonce = ""
	_, err = h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeInvalidNonce)
}

func TestAdmitNonceAdvisoryAndStrict(t *testing.T) {
	ctx := context.Background()

	advisory := newHarness(t, nil)
	_, err := advisory.gateway.Commit(ctx, advisory.bet(models.GameVariantDice, "10", "3", 5))
	require.NoError(t, err)
	_, err = advisory.gateway.Commit(ctx, advisory.bet(models.GameVariantDice, "10", "3", 5))
	assert.NoError(t, err, "advisory mode only logs a repeated nonce")

	strict := newHarness(t, func(c *config.Config) { c.Replay.StrictNonce = true })
	_, err = strict.gateway.Commit(ctx, strict.bet(models.GameVariantDice, "10", "3", 5))
	require.NoError(t, err)

	_, err = strict.gateway.Commit(ctx, strict.bet(models.GameVariantDice, "10", "3", 5))
	gerr := requireCode(t, err, models.CodeInvalidNonce)
	assert.Equal(t, int64(5), gerr.Details["lastNonce"])

	// Sequences are per variant.
	_, err = strict.gateway.Commit(ctx, strict.bet(models.GameVariantCrash, "10", "2", 0))
	assert.NoError(t, err)

	_, err = strict.gateway.Commit(ctx, strict.bet(models.GameVariantDice, "10", "3", 6))
	assert.NoError(t, err)
}

func TestRateLimitRetryAfter(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Replay.RateLimit = 5 * time.Second })
	ctx := context.Background()

	_, err := h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)
	_, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 2))
	gerr := requireCode(t, err, models.CodeRateLimitExceeded)
	assert.Equal(t, 3, gerr.Details["retryAfterSeconds"])

	h.clock.Advance(4 * time.Second)
	_, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 3))
	assert.NoError(t, err)
}

func TestRateLimitKeys(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Replay.RateLimit = 5 * time.Second })
	ctx := context.Background()

	first := h.bet(models.GameVariantDice, "10", "3", 1)
	_, err := h.gateway.Commit(ctx, first)
	require.NoError(t, err)

	// Another account from the same address trips the IP window.
	other := h.bet(models.GameVariantDice, "10", "3", 1)
	other.UserID = "user-2"
	_, err = h.gateway.Commit(ctx, other)
	requireCode(t, err, models.CodeRateLimitExceeded)

	// Loopback is exempt from the IP window only.
	local1 := h.bet(models.GameVariantDice, "10", "3", 1)
	local1.UserID, local1.ClientIP = "user-3", "127.0.0.1:51000"
	_, err = h.gateway.Commit(ctx, local1)
	require.NoError(t, err)

	local2 := h.bet(models.GameVariantDice, "10", "3", 1)
	local2.UserID, local2.ClientIP = "user-4", "127.0.0.1"
	_, err = h.gateway.Commit(ctx, local2)
	require.NoError(t, err)

	local3 := h.bet(models.GameVariantDice, "10", "3", 2)
	local3.UserID, local3.ClientIP = "user-4", "::1"
	_, err = h.gateway.Commit(ctx, local3)
	requireCode(t, err, models.CodeRateLimitExceeded)
}

func TestRateLimitDisabledAndPractice(t *testing.T) {
	ctx := context.Background()

	disabled := newHarness(t, func(c *config.Config) { c.Replay.RateLimit = 0 })
	for i := 0; i < 3; i++ {
		_, err := disabled.gateway.Commit(ctx, disabled.bet(models.GameVariantDice, "10", "3", int64(i)))
		require.NoError(t, err)
	}

	limited := newHarness(t, func(c *config.Config) { c.Replay.RateLimit = 5 * time.Second })
	for i := 0; i < 3; i++ {
		in := limited.bet(models.GameVariantDice, "10", "3", int64(i))
		in.Request.GameType = models.GameModePractice
		_, err := limited.gateway.Commit(ctx, in)
		require.NoError(t, err)
	}
}

func TestRateLimitFeedsRisk(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Replay.RateLimit = 5 * time.Second })
	ctx := context.Background()

	_, err := h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 1))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.gateway.Commit(ctx, h.bet(models.GameVariantDice, "10", "3", 2))
		requireCode(t, err, models.CodeRateLimitExceeded)
	}

	n, err := h.risk.countEvents(ctx, fmt.Sprintf(KeyRateViolations, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestConcurrentDuplicateRequests(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	in := h.bet(models.GameVariantMatrix, "5", "50", 1)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.gateway.Commit(ctx, in)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var gerr *models.GatewayError
		require.ErrorAs(t, err, &gerr)
		assert.Contains(t, []models.RejectCode{models.CodeDuplicateRequest, models.CodeRequestAlreadyProcessed}, gerr.Code)
	}
	assert.Equal(t, 1, succeeded)
}

func TestDuplicateAfterDedupExpiryHitsDurableStore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	in := h.bet(models.GameVariantDice, "10", "3", 1)

	_, err := h.gateway.Commit(ctx, in)
	require.NoError(t, err)

	_, err = h.gateway.Commit(ctx, in)
	requireCode(t, err, models.CodeDuplicateRequest)

	// Fast-path entry gone, as after a restart.
	h.clock.Advance(3 * time.Minute)
	in.Request.Timestamp = h.clock.Now().UnixMilli()
	_, err = h.gateway.Commit(ctx, in)
	gerr := requireCode(t, err, models.CodeRequestAlreadyProcessed)
	view, ok := gerr.Details["commitment"].(models.CommitmentView)
	require.True(t, ok)
	assert.Equal(t, in.Request.RequestID, view.RequestID)
	assert.Empty(t, view.ServerSeed)
}

func TestAdmitFailsClosedWhenStoreDown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	down := failingCommitmentStore{h.commitments}
	guard := NewReplayGuard(h.state, down, h.risk, h.cfg.Replay, time.Second, zap.NewNop()).WithClock(h.clock.Now)

	in := h.bet(models.GameVariantDice, "10", "3", 1)
	_, err := guard.Admit(ctx, in.UserID, in.ClientIP, &in.Request)
	requireCode(t, err, models.CodeServiceUnavailable)

	// The claim must not linger after a failed lookup.
	_, ok, err := h.state.Get(ctx, fmt.Sprintf(KeyDedup, "user-1", in.Request.RequestID))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeIP(t *testing.T) {
	tests := map[string]string{
		"203.0.113.7":        "203.0.113.7",
		"203.0.113.7:443":    "203.0.113.7",
		"::ffff:203.0.113.7": "203.0.113.7",
		"[2001:db8::1]:8080": "2001:db8::1",
		"localhost":          "127.0.0.1",
		" 198.51.100.2 ":     "198.51.100.2",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeIP(in), in)
	}
	assert.True(t, IsLoopback("::1"))
	assert.False(t, IsLoopback("10.0.0.1"))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 3, RetryAfterSeconds(3*time.Second))
	assert.Equal(t, 3, RetryAfterSeconds(2001*time.Millisecond))
	assert.Equal(t, 1, RetryAfterSeconds(time.Millisecond))
}

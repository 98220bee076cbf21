package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fairbet-gateway/internal/config"
	"fairbet-gateway/internal/models"
	"fairbet-gateway/internal/statestore"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubVerifier struct {
	mu      sync.Mutex
	verdict CaptchaVerdict
	err     error
	calls   int
}

func (v *stubVerifier) Verify(ctx context.Context, token, remoteIP string) (CaptchaVerdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.verdict, v.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Commitment
	err    error
}

func (p *recordingPublisher) PublishTerminal(ctx context.Context, c *models.Commitment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *c)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses() []models.CommitmentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.CommitmentStatus, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	views []models.CommitmentView
}

func (b *recordingBroadcaster) BroadcastResolved(v models.CommitmentView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.views = append(b.views, v)
}

// failingCommitmentStore simulates an unreachable store of record.
type failingCommitmentStore struct {
	*MemoryCommitmentStore
}

var errStoreDown = errors.New("connection refused")

func (failingCommitmentStore) GetByRequest(context.Context, string, string) (*models.Commitment, error) {
	return nil, errStoreDown
}

func (failingCommitmentStore) Create(context.Context, *models.Commitment) error {
	return errStoreDown
}

func testConfig() *config.Config {
	return &config.Config{
		Env:          "test",
		StateBackend: "memory",
		Replay: config.ReplayConfig{
			RateLimit:     0,
			RateWindowTTL: 5 * time.Minute,
			DedupTTL:      2 * time.Minute,
			MaxClockSkew:  30 * time.Second,
		},
		Risk: config.RiskConfig{
			Weights: config.RiskWeights{
				BurstBetting: 15, RateViolations: 20, FailedAuth: 25, IdenticalBets: 15,
				RoundNumbers: 10, SharedIP: 20, NewAccountHighBets: 15,
			},
			LowThreshold:      20,
			MediumThreshold:   40,
			HighThreshold:     60,
			CriticalThreshold: 80,
			Cooldown:          300 * time.Second,
			CaptchaRelief:     30,
			ProfileTTL:        time.Hour,
			SignalWindow:      10 * time.Minute,
		},
		CommitmentTTL: 60 * time.Second,
		StoreTimeout:  time.Second,
		Captcha: config.CaptchaConfig{
			TTL:         5 * time.Minute,
			MaxAttempts: 3,
			Timeout:     time.Second,
		},
	}
}

type harness struct {
	clock       *testClock
	cfg         *config.Config
	state       *statestore.MemoryStore
	commitments *MemoryCommitmentStore
	verifier    *stubVerifier
	captcha     *CaptchaService
	risk        *RiskEngine
	guard       *ReplayGuard
	publisher   *recordingPublisher
	feed        *recordingBroadcaster
	gateway     *Gateway
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		clock:       newTestClock(),
		cfg:         cfg,
		commitments: NewMemoryCommitmentStore(),
		verifier:    &stubVerifier{verdict: CaptchaVerdict{Success: true, Score: 1}},
		publisher:   &recordingPublisher{},
		feed:        &recordingBroadcaster{},
	}
	logger := zap.NewNop()

	h.state = statestore.NewMemoryStore().WithClock(h.clock.Now)
	h.captcha = NewCaptchaService(h.state, h.verifier, cfg.Captcha, logger).WithClock(h.clock.Now)
	h.risk = NewRiskEngine(h.state, h.commitments, h.captcha, cfg.Risk, cfg.StoreTimeout, logger).WithClock(h.clock.Now)
	h.guard = NewReplayGuard(h.state, h.commitments, h.risk, cfg.Replay, cfg.StoreTimeout, logger).WithClock(h.clock.Now)
	h.gateway = NewGateway(h.guard, h.risk, h.commitments, h.state, h.publisher, h.feed, GatewayOptions{
		CommitmentTTL: cfg.CommitmentTTL,
		StoreTimeout:  cfg.StoreTimeout,
	}, logger).WithClock(h.clock.Now)
	return h
}

func (h *harness) bet(variant models.GameVariant, amount, picked string, nonce int64) BetCommit {
	return BetCommit{
		UserID:   "user-1",
		ClientIP: "203.0.113.7",
		Request: models.BetCommitRequest{
			RequestID:   uuid.NewString(),
			GameType:    models.GameModeReal,
			GameVariant: variant,
			BetData: models.BetData{
				BetAmount:   decimal.RequireFromString(amount),
				PickedValue: decimal.RequireFromString(picked),
			},
			Timestamp: h.clock.Now().UnixMilli(),
			Nonce:     json.Number(decimal.NewFromInt(nonce).String()),
		},
	}
}

// requireCode asserts err is a gateway rejection with the given code.
func requireCode(t *testing.T, err error, code models.RejectCode) *models.GatewayError {
	t.Helper()
	require.Error(t, err)
	var gerr *models.GatewayError
	require.True(t, errors.As(err, &gerr), "expected a gateway error, got %v", err)
	require.Equal(t, code, gerr.Code, gerr.Message)
	return gerr
}

func alwaysRule(weight int) []RiskRule {
	return []RiskRule{{
		Name:      "fixed",
		Weight:    weight,
		Reason:    "fixed test weight",
		Predicate: func(RiskSignals) bool { return true },
	}}
}

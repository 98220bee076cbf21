package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"fairbet-gateway/internal/config"
	"fairbet-gateway/internal/metrics"
	"fairbet-gateway/internal/models"
	"fairbet-gateway/internal/statestore"
)

// ViolationRecorder is told about every rate-limit rejection.
type ViolationRecorder interface {
	RecordRateLimitViolation(ctx context.Context, userID string) error
}

// Admission is a request that passed the replay checks. Its dedup claim must
// be released if a later stage rejects the request.
type Admission struct {
	UserID    string
	RequestID string
	ClientIP  string
	Nonce     int64
	claimKey  string
}

type ReplayGuard struct {
	state        statestore.Store
	commitments  CommitmentStore
	violations   ViolationRecorder
	cfg          config.ReplayConfig
	storeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewReplayGuard(state statestore.Store, commitments CommitmentStore, violations ViolationRecorder,
	cfg config.ReplayConfig, storeTimeout time.Duration, logger *zap.Logger) *ReplayGuard {
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	return &ReplayGuard{
		state:        state,
		commitments:  commitments,
		violations:   violations,
		cfg:          cfg,
		storeTimeout: storeTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock replaces the clock used for timestamp and rate checks.
func (g *ReplayGuard) WithClock(now func() time.Time) *ReplayGuard {
	g.now = now
	return g
}

// Admit runs the replay checks in order: request id, dedup, timestamp, nonce,
// rate limit. The first failing check decides the rejection.
func (g *ReplayGuard) Admit(ctx context.Context, userID, clientIP string, req *models.BetCommitRequest) (*Admission, error) {
	if err := checkRequestID(req.RequestID); err != nil {
		return nil, err
	}

	adm := &Admission{
		UserID:    userID,
		RequestID: req.RequestID,
		ClientIP:  NormalizeIP(clientIP),
		claimKey:  fmt.Sprintf(KeyDedup, userID, req.RequestID),
	}

	if err := g.claim(ctx, adm); err != nil {
		return nil, err
	}

	if err := g.checkTimestamp(req.Timestamp); err != nil {
		g.Release(ctx, adm)
		return nil, err
	}

	nonce, err := g.checkNonce(ctx, userID, req)
	if err != nil {
		g.Release(ctx, adm)
		return nil, err
	}
	adm.Nonce = nonce

	if req.GameType != models.GameModePractice {
		if err := g.checkRate(ctx, adm); err != nil {
			g.Release(ctx, adm)
			return nil, err
		}
	}

	return adm, nil
}

func checkRequestID(id string) error {
	if id == "" {
		return models.Reject(models.CodeMissingRequestID, "requestId is required")
	}
	if !models.ValidRequestID(id) {
		return models.Reject(models.CodeInvalidRequestID, "requestId must be a UUID or 32-64 lowercase hex characters")
	}
	return nil
}

// claim takes the fast-path dedup slot, then asks the durable store, which
// wins on any disagreement.
func (g *ReplayGuard) claim(ctx context.Context, adm *Admission) error {
	claimed, err := g.state.SetNX(ctx, adm.claimKey, []byte("1"), g.cfg.DedupTTL)
	if err != nil {
		return models.Unavailable(err, "dedup check unavailable")
	}
	if !claimed {
		rej := models.Reject(models.CodeDuplicateRequest, "request %s is already being processed", adm.RequestID)
		if existing := g.lookup(ctx, adm); existing != nil {
			rej.With("commitment", existing.Public())
		}
		return rej
	}

	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	existing, err := g.commitments.GetByRequest(sctx, adm.UserID, adm.RequestID)
	switch {
	case err == nil:
		// Keep the claim; the durable record already answers this request.
		return models.Reject(models.CodeRequestAlreadyProcessed, "request %s was already processed", adm.RequestID).
			With("commitment", existing.Public())
	case errors.Is(err, ErrCommitmentNotFound):
		return nil
	default:
		g.Release(ctx, adm)
		return models.Unavailable(err, "commitment store unavailable")
	}
}

func (g *ReplayGuard) lookup(ctx context.Context, adm *Admission) *models.Commitment {
	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	c, err := g.commitments.GetByRequest(sctx, adm.UserID, adm.RequestID)
	if err != nil {
		return nil
	}
	return c
}

func (g *ReplayGuard) checkTimestamp(clientMs int64) error {
	now := g.now()
	delta := now.UnixMilli() - clientMs
	if clientMs <= 0 || time.Duration(abs64(delta))*time.Millisecond > g.cfg.MaxClockSkew {
		return models.Reject(models.CodeInvalidTimestamp, "timestamp must be within %s of server time", g.cfg.MaxClockSkew).
			With("serverTime", now.UnixMilli()).
			With("clientTime", clientMs).
			With("deltaMs", delta)
	}
	return nil
}

func (g *ReplayGuard) checkNonce(ctx context.Context, userID string, req *models.BetCommitRequest) (int64, error) {
	nonce, err := req.ParseNonce()
	if err != nil {
		return 0, models.Reject(models.CodeInvalidNonce, "%s", err.Error())
	}

	if !req.GameVariant.Valid() {
		return nonce, nil
	}

	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	last, ok, err := g.commitments.LastNonce(sctx, userID, req.GameVariant)
	if err != nil {
		if g.cfg.StrictNonce {
			return 0, models.Unavailable(err, "nonce sequence unavailable")
		}
		g.logger.Warn("nonce sequence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nonce, nil
	}
	if !ok || nonce > last {
		return nonce, nil
	}

	if g.cfg.StrictNonce {
		return 0, models.Reject(models.CodeInvalidNonce, "nonce must be greater than %d", last).
			With("lastNonce", last)
	}
	metrics.NonceAnomaliesTotal.Inc()
	g.logger.Info("nonce did not advance",
		zap.String("user_id", userID),
		zap.String("variant", string(req.GameVariant)),
		zap.Int64("nonce", nonce),
		zap.Int64("last_nonce", last))
	return nonce, nil
}

// checkRate stamps all keys together, or none of them.
func (g *ReplayGuard) checkRate(ctx context.Context, adm *Admission) error {
	if g.cfg.RateLimit <= 0 {
		return nil
	}

	keys := []string{fmt.Sprintf(KeyRateUser, adm.UserID)}
	if adm.ClientIP != "" && !IsLoopback(adm.ClientIP) {
		keys = append(keys, fmt.Sprintf(KeyRateIP, adm.ClientIP))
	}
	keys = append(keys, fmt.Sprintf(KeyRateUserIP, adm.UserID, adm.ClientIP))

	wait, err := g.state.Throttle(ctx, keys, g.now(), g.cfg.RateLimit, g.cfg.RateWindowTTL)
	if err != nil {
		return models.Unavailable(err, "rate limiter unavailable")
	}
	if wait <= 0 {
		return nil
	}

	if g.violations != nil {
		if err := g.violations.RecordRateLimitViolation(ctx, adm.UserID); err != nil {
			g.logger.Warn("failed to record rate violation", zap.String("user_id", adm.UserID), zap.Error(err))
		}
	}

	return models.Reject(models.CodeRateLimitExceeded, "too many bets, slow down").
		With("retryAfterSeconds", RetryAfterSeconds(wait))
}

// Release drops the dedup claim so the caller can retry with corrected input.
func (g *ReplayGuard) Release(ctx context.Context, adm *Admission) {
	if adm == nil {
		return
	}
	if err := g.state.Delete(context.WithoutCancel(ctx), adm.claimKey); err != nil {
		g.logger.Warn("failed to release dedup claim", zap.String("key", adm.claimKey), zap.Error(err))
	}
}

// RetryAfterSeconds rounds a remaining wait up to whole seconds.
func RetryAfterSeconds(wait time.Duration) int {
	return int(math.Ceil(float64(wait.Milliseconds()) / 1000))
}

// NormalizeIP strips any port and maps IPv4-in-IPv6 back to dotted form.
func NormalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	if strings.EqualFold(raw, "localhost") {
		return "127.0.0.1"
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return raw
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func IsLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

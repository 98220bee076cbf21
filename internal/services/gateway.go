package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fairbet-gateway/internal/fairness"
	"fairbet-gateway/internal/metrics"
	"fairbet-gateway/internal/models"
	"fairbet-gateway/internal/statestore"
)

const (
	maxClientSeedLength = 128
	expireBatchSize     = 500
	publishTimeout      = 3 * time.Second
)

// BetCommit is a commit request together with the caller identity resolved
// by the auth layer.
type BetCommit struct {
	UserID       string
	ClientIP     string
	AccountAge   time.Duration
	CaptchaToken string
	Request      models.BetCommitRequest
}

// CommitReceipt is returned to the player before any outcome exists.
type CommitReceipt struct {
	CommitmentID   string             `json:"commitmentId"`
	RequestID      string             `json:"requestId"`
	GameVariant    models.GameVariant `json:"gameVariant"`
	ServerSeedHash string             `json:"serverSeedHash"`
	ClientSeed     string             `json:"clientSeed"`
	Nonce          int64              `json:"nonce"`
	ExpiresAt      time.Time          `json:"expiresAt"`
	RiskScore      *int               `json:"riskScore,omitempty"`
}

type GatewayOptions struct {
	CommitmentTTL time.Duration
	StoreTimeout  time.Duration
	Payouts       fairness.PayoutTable
}

// Gateway sequences the replay guard, risk engine and fairness engine for
// every bet, and owns the commitment lifecycle.
type Gateway struct {
	guard       *ReplayGuard
	risk        *RiskEngine
	commitments CommitmentStore
	state       statestore.Store
	publisher   EventPublisher
	broadcaster Broadcaster
	opts        GatewayOptions
	logger      *zap.Logger
	now         func() time.Time
}

func NewGateway(guard *ReplayGuard, risk *RiskEngine, commitments CommitmentStore, state statestore.Store,
	publisher EventPublisher, broadcaster Broadcaster, opts GatewayOptions, logger *zap.Logger) *Gateway {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if opts.CommitmentTTL <= 0 {
		opts.CommitmentTTL = 60 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Payouts.DiceMultiplier.IsZero() {
		opts.Payouts = fairness.DefaultPayoutTable
	}
	return &Gateway{
		guard:       guard,
		risk:        risk,
		commitments: commitments,
		state:       state,
		publisher:   publisher,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Commit admits a bet and publishes the hash of a fresh server seed. No
// outcome is computed here.
func (g *Gateway) Commit(ctx context.Context, in BetCommit) (*CommitReceipt, error) {
	receipt, err := g.commit(ctx, in)
	if err != nil {
		var gerr *models.GatewayError
		if errors.As(err, &gerr) {
			metrics.RejectionsTotal.WithLabelValues(string(gerr.Code)).Inc()
		}
		return nil, err
	}
	return receipt, nil
}

func (g *Gateway) commit(ctx context.Context, in BetCommit) (*CommitReceipt, error) {
	req := in.Request
	if req.GameType == "" {
		req.GameType = models.GameModeReal
	}
	if req.CaptchaToken == "" {
		req.CaptchaToken = in.CaptchaToken
	}

	// A malformed body must not stamp the rate windows.
	if err := checkRequestID(req.RequestID); err != nil {
		return nil, err
	}
	bet, err := validateBet(&req)
	if err != nil {
		return nil, err
	}

	adm, err := g.guard.Admit(ctx, in.UserID, in.ClientIP, &req)
	if err != nil {
		return nil, err
	}

	receipt, err := g.commitAdmitted(ctx, in, &req, bet, adm)
	if err != nil {
		var gerr *models.GatewayError
		if !errors.As(err, &gerr) || gerr.Code != models.CodeRequestAlreadyProcessed {
			g.guard.Release(ctx, adm)
		}
		return nil, err
	}
	return receipt, nil
}

func validateBet(req *models.BetCommitRequest) (models.VariantBet, error) {
	if req.GameType != models.GameModeReal && req.GameType != models.GameModePractice {
		return nil, models.Reject(models.CodeInvalidBet, "gameType must be real or practice")
	}
	bet, err := req.TypedBet()
	if err != nil {
		return nil, models.Reject(models.CodeInvalidBet, "%s", err.Error())
	}
	if len(req.ClientSeed) > maxClientSeedLength {
		return nil, models.Reject(models.CodeInvalidBet, "clientSeed must be at most %d characters", maxClientSeedLength)
	}
	return bet, nil
}

func (g *Gateway) commitAdmitted(ctx context.Context, in BetCommit, req *models.BetCommitRequest, bet models.VariantBet, adm *Admission) (*CommitReceipt, error) {
	var riskScore *int
	if req.GameType == models.GameModeReal {
		assessment, err := g.risk.Screen(ctx, RiskInput{
			UserID:       in.UserID,
			IP:           adm.ClientIP,
			Amount:       bet.Amount(),
			AccountAge:   in.AccountAge,
			CaptchaToken: req.CaptchaToken,
		})
		if err != nil {
			return nil, err
		}
		riskScore = &assessment.Score
	}

	serverSeed, err := fairness.GenerateServerSeed()
	if err != nil {
		return nil, fmt.Errorf("failed to generate server seed: %w", err)
	}
	clientSeed := req.ClientSeed
	if clientSeed == "" {
		if clientSeed, err = fairness.GenerateClientSeed(); err != nil {
			return nil, fmt.Errorf("failed to generate client seed: %w", err)
		}
	}

	now := g.now()
	c := &models.Commitment{
		ID:             models.GenerateCommitmentID(),
		RequestID:      req.RequestID,
		UserID:         in.UserID,
		Mode:           req.GameType,
		GameVariant:    bet.Variant(),
		BetAmount:      bet.Amount(),
		PickedValue:    bet.Target(),
		Nonce:          adm.Nonce,
		ServerSeed:     serverSeed,
		ServerSeedHash: fairness.HashSeed(serverSeed),
		ClientSeed:     clientSeed,
		Status:         models.CommitmentPending,
		Multiplier:     decimal.Zero,
		Payout:         decimal.Zero,
		ClientIP:       adm.ClientIP,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.opts.CommitmentTTL),
	}

	sctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	err = g.commitments.Create(sctx, c)
	cancel()
	if errors.Is(err, ErrDuplicateCommitment) {
		rej := models.Reject(models.CodeRequestAlreadyProcessed, "request %s was already processed", req.RequestID)
		if existing, lerr := g.getByRequest(ctx, in.UserID, req.RequestID); lerr == nil {
			rej.With("commitment", existing.Public())
		}
		return nil, rej
	}
	if err != nil {
		return nil, models.Unavailable(err, "commitment store unavailable")
	}

	metrics.CommitmentsTotal.WithLabelValues(string(c.GameVariant), string(c.Mode)).Inc()
	g.logger.Info("commitment created",
		zap.String("commitment_id", c.ID),
		zap.String("request_id", c.RequestID),
		zap.String("user_id", c.UserID),
		zap.String("variant", string(c.GameVariant)),
		zap.String("mode", string(c.Mode)),
		zap.Int64("nonce", c.Nonce))

	return &CommitReceipt{
		CommitmentID:   c.ID,
		RequestID:      c.RequestID,
		GameVariant:    c.GameVariant,
		ServerSeedHash: c.ServerSeedHash,
		ClientSeed:     c.ClientSeed,
		Nonce:          c.Nonce,
		ExpiresAt:      c.ExpiresAt,
		RiskScore:      riskScore,
	}, nil
}

// Reveal resolves a pending commitment: expiry is checked before any outcome
// is derived, and the derived outcome is re-verified before it is accepted.
func (g *Gateway) Reveal(ctx context.Context, userID, requestID string) (*models.GameResult, error) {
	if !models.ValidRequestID(requestID) {
		return nil, models.Reject(models.CodeInvalidRequestID, "requestId must be a UUID or 32-64 lowercase hex characters")
	}

	c, err := g.getByRequest(ctx, userID, requestID)
	if errors.Is(err, ErrCommitmentNotFound) {
		return nil, models.Reject(models.CodeCommitmentNotFound, "no commitment for request %s", requestID)
	}
	if err != nil {
		return nil, models.Unavailable(err, "commitment store unavailable")
	}

	if err := terminalRejection(c); err != nil {
		return nil, err
	}

	now := g.now()
	if c.ExpiredAt(now) {
		c.Status = models.CommitmentExpired
		c.ResolvedAt = &now
		if err := g.finalize(ctx, c); err != nil && !errors.Is(err, ErrCommitmentFinalized) {
			return nil, models.Unavailable(err, "commitment store unavailable")
		}
		return nil, models.Reject(models.CodeCommitmentExpired, "commitment expired at %s", c.ExpiresAt.Format(time.RFC3339))
	}

	rolled, err := fairness.GenerateOutcome(c.ServerSeed, c.ClientSeed, c.Nonce, c.GameVariant)
	if err != nil {
		return nil, g.failIntegrity(ctx, c, now, err.Error())
	}
	check := fairness.VerifyOutcome(c.ServerSeed, c.ServerSeedHash, c.ClientSeed, c.Nonce, c.GameVariant, rolled)
	if !check.Valid {
		return nil, g.failIntegrity(ctx, c, now, check.Reason)
	}

	settlement, err := g.opts.Payouts.Calculate(c.GameVariant, c.PickedValue, rolled, c.BetAmount)
	if err != nil {
		return nil, g.failIntegrity(ctx, c, now, err.Error())
	}

	c.Status = models.CommitmentResolved
	c.Outcome = rolled
	c.IsWin = settlement.IsWin
	c.Multiplier = settlement.Multiplier
	c.Payout = settlement.Payout
	c.ResolvedAt = &now

	if err := g.finalize(ctx, c); err != nil {
		if errors.Is(err, ErrCommitmentFinalized) {
			if current, lerr := g.getByRequest(ctx, userID, requestID); lerr == nil {
				if rej := terminalRejection(current); rej != nil {
					return nil, rej
				}
			}
			return nil, models.Reject(models.CodeCommitmentFinalized, "commitment already finalized")
		}
		return nil, models.Unavailable(err, "commitment store unavailable")
	}

	result := "loss"
	if c.IsWin {
		result = "win"
	}
	metrics.ResolutionsTotal.WithLabelValues(string(c.GameVariant), result).Inc()
	g.logger.Info("commitment resolved",
		zap.String("commitment_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.String("variant", string(c.GameVariant)),
		zap.Float64("rolled", rolled),
		zap.Bool("win", c.IsWin),
		zap.String("payout", c.Payout.String()))

	view := c.Public()
	if c.Mode == models.GameModeReal {
		g.broadcaster.BroadcastResolved(view)
	}

	return &models.GameResult{
		Commitment: view,
		Win:        c.IsWin,
		Rolled:     rolled,
		Multiplier: c.Multiplier,
		Payout:     c.Payout,
	}, nil
}

func terminalRejection(c *models.Commitment) error {
	switch c.Status {
	case models.CommitmentResolved:
		return models.Reject(models.CodeCommitmentFinalized, "commitment already resolved").
			With("commitment", c.Public())
	case models.CommitmentExpired:
		return models.Reject(models.CodeCommitmentExpired, "commitment expired at %s", c.ExpiresAt.Format(time.RFC3339))
	case models.CommitmentFailed:
		return models.Reject(models.CodeFairnessIntegrity, "commitment failed fairness verification").
			With("reason", c.FailureReason)
	}
	return nil
}

// failIntegrity marks the commitment failed. The mismatch is surfaced, never corrected.
func (g *Gateway) failIntegrity(ctx context.Context, c *models.Commitment, now time.Time, reason string) error {
	g.logger.Error("fairness integrity failure",
		zap.String("commitment_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.String("reason", reason))

	c.Status = models.CommitmentFailed
	c.FailureReason = reason
	c.ResolvedAt = &now
	if err := g.finalize(ctx, c); err != nil && !errors.Is(err, ErrCommitmentFinalized) {
		g.logger.Error("failed to record integrity failure", zap.String("commitment_id", c.ID), zap.Error(err))
	}
	metrics.ResolutionsTotal.WithLabelValues(string(c.GameVariant), "failed").Inc()
	return models.Reject(models.CodeFairnessIntegrity, "outcome failed fairness verification").
		With("reason", reason)
}

// finalize writes the terminal record, then hands it to the event stream.
func (g *Gateway) finalize(ctx context.Context, c *models.Commitment) error {
	sctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	err := g.commitments.Finalize(sctx, c)
	cancel()
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := g.publisher.PublishTerminal(pctx, c); err != nil {
		metrics.PublishFailuresTotal.Inc()
		g.logger.Warn("failed to publish terminal commitment", zap.String("commitment_id", c.ID), zap.Error(err))
	}
	return nil
}

func (g *Gateway) getByRequest(ctx context.Context, userID, requestID string) (*models.Commitment, error) {
	sctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()
	return g.commitments.GetByRequest(sctx, userID, requestID)
}

// Get returns the caller's view of one of their commitments.
func (g *Gateway) Get(ctx context.Context, userID, requestID string) (*models.CommitmentView, error) {
	if !models.ValidRequestID(requestID) {
		return nil, models.Reject(models.CodeInvalidRequestID, "requestId must be a UUID or 32-64 lowercase hex characters")
	}
	c, err := g.getByRequest(ctx, userID, requestID)
	if errors.Is(err, ErrCommitmentNotFound) {
		return nil, models.Reject(models.CodeCommitmentNotFound, "no commitment for request %s", requestID)
	}
	if err != nil {
		return nil, models.Unavailable(err, "commitment store unavailable")
	}
	view := c.Public()
	return &view, nil
}

// Verify recomputes a published round. It touches no state.
func (g *Gateway) Verify(data models.VerificationData) fairness.Verification {
	return fairness.VerifyOutcome(data.ServerSeed, data.ServerSeedHash, data.ClientSeed,
		data.Nonce, data.GameVariant, data.ClaimedValue)
}

// RiskSnapshot exposes the caller's current risk state, read-only.
func (g *Gateway) RiskSnapshot(ctx context.Context, userID string) (*RiskSnapshot, error) {
	return g.risk.Snapshot(ctx, userID)
}

// ExpireStale moves overdue pending commitments to expired.
func (g *Gateway) ExpireStale(ctx context.Context) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	stale, err := g.commitments.ListExpiredPending(sctx, g.now(), expireBatchSize)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale commitments: %w", err)
	}

	expired := 0
	for _, c := range stale {
		now := g.now()
		c.Status = models.CommitmentExpired
		c.ResolvedAt = &now
		err := g.finalize(ctx, c)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrCommitmentFinalized):
		default:
			g.logger.Warn("failed to expire commitment", zap.String("commitment_id", c.ID), zap.Error(err))
		}
	}
	if expired > 0 {
		metrics.SweptEntriesTotal.WithLabelValues("commitments").Add(float64(expired))
	}
	return expired, nil
}

// SweepState evicts expired volatile entries.
func (g *Gateway) SweepState(ctx context.Context) (int, error) {
	removed, err := g.state.SweepExpired(ctx)
	if removed > 0 {
		metrics.SweptEntriesTotal.WithLabelValues("state").Add(float64(removed))
	}
	return removed, err
}

// Ready reports whether the durable store is reachable.
func (g *Gateway) Ready(ctx context.Context) error {
	return g.commitments.Ping(ctx)
}

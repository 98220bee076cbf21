package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fairbet-gateway/internal/config"
	"fairbet-gateway/internal/metrics"
	"fairbet-gateway/internal/models"
	"fairbet-gateway/internal/statestore"
)

// RiskSignals is everything the rule table may look at for one request.
type RiskSignals struct {
	Profile         models.RiskProfile
	RateViolations  int
	FailedAuth      int
	DistinctIPUsers int
	AccountAge      time.Duration
}

// RiskRule contributes Weight to the score when Predicate holds.
type RiskRule struct {
	Name      string
	Weight    int
	Reason    string
	Predicate func(s RiskSignals) bool
}

var roundNumberUnit = decimal.NewFromInt(10)
var newAccountBetCeiling = decimal.NewFromInt(100)

// DefaultRiskRules builds the standard rule table with configured weights.
func DefaultRiskRules(w config.RiskWeights) []RiskRule {
	return []RiskRule{
		{
			Name: "burst_betting", Weight: w.BurstBetting,
			Reason:    "5 or more bets in 30 seconds",
			Predicate: func(s RiskSignals) bool { return s.Profile.RecentCount >= 5 },
		},
		{
			Name: "rate_violations", Weight: w.RateViolations,
			Reason:    "repeated rate limit violations",
			Predicate: func(s RiskSignals) bool { return s.RateViolations >= 3 },
		},
		{
			Name: "failed_auth", Weight: w.FailedAuth,
			Reason:    "repeated failed authentication from this address",
			Predicate: func(s RiskSignals) bool { return s.FailedAuth >= 5 },
		},
		{
			Name: "identical_bets", Weight: w.IdenticalBets,
			Reason:    "10 or more identical consecutive bets",
			Predicate: func(s RiskSignals) bool { return s.Profile.IdenticalRun >= 10 },
		},
		{
			Name: "round_numbers", Weight: w.RoundNumbers,
			Reason: "only round-number bets",
			Predicate: func(s RiskSignals) bool {
				return s.Profile.RoundNumberOnly && s.Profile.TotalBets > 15
			},
		},
		{
			Name: "shared_ip", Weight: w.SharedIP,
			Reason:    "more than 3 accounts active from this address",
			Predicate: func(s RiskSignals) bool { return s.DistinctIPUsers > 3 },
		},
		{
			Name: "new_account_high_bets", Weight: w.NewAccountHighBets,
			Reason: "account younger than an hour betting high amounts",
			Predicate: func(s RiskSignals) bool {
				return s.AccountAge > 0 && s.AccountAge < time.Hour &&
					s.Profile.AverageBet().GreaterThan(newAccountBetCeiling)
			},
		},
	}
}

// RiskInput identifies the bet being screened.
type RiskInput struct {
	UserID       string
	IP           string
	Amount       decimal.Decimal
	AccountAge   time.Duration
	CaptchaToken string
}

type RiskEngine struct {
	state        statestore.Store
	reviews      ReviewQueue
	captcha      *CaptchaService
	rules        []RiskRule
	cfg          config.RiskConfig
	storeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewRiskEngine(state statestore.Store, reviews ReviewQueue, captcha *CaptchaService,
	cfg config.RiskConfig, storeTimeout time.Duration, logger *zap.Logger) *RiskEngine {
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	return &RiskEngine{
		state:        state,
		reviews:      reviews,
		captcha:      captcha,
		rules:        DefaultRiskRules(cfg.Weights),
		cfg:          cfg,
		storeTimeout: storeTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

func (e *RiskEngine) WithRules(rules []RiskRule) *RiskEngine {
	e.rules = rules
	return e
}

func (e *RiskEngine) WithClock(now func() time.Time) *RiskEngine {
	e.now = now
	return e
}

// TrackPattern folds one bet into the user's rolling profile.
func (e *RiskEngine) TrackPattern(ctx context.Context, userID string, amount decimal.Decimal) (*models.RiskProfile, error) {
	now := e.now()
	var profile models.RiskProfile

	_, err := e.state.Update(ctx, fmt.Sprintf(KeyRiskProfile, userID), e.cfg.ProfileTTL,
		func(current []byte, exists bool) ([]byte, error) {
			profile = models.RiskProfile{UserID: userID}
			if exists {
				if err := json.Unmarshal(current, &profile); err != nil {
					profile = models.RiskProfile{UserID: userID}
				}
			}
			applyBet(&profile, amount, now)
			return json.Marshal(profile)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to track bet pattern: %w", err)
	}
	return &profile, nil
}

func applyBet(p *models.RiskProfile, amount decimal.Decimal, now time.Time) {
	isRound := amount.Mod(roundNumberUnit).IsZero()
	if p.TotalBets == 0 {
		p.RoundNumberOnly = isRound
	} else {
		p.RoundNumberOnly = p.RoundNumberOnly && isRound
	}

	if n := len(p.Bets); n > 0 && p.Bets[n-1].Amount.Equal(amount) {
		p.IdenticalRun++
	} else {
		p.IdenticalRun = 1
	}

	p.Bets = append(p.Bets, models.BetSample{Amount: amount, Timestamp: now})
	if len(p.Bets) > MaxProfileHistory {
		p.Bets = p.Bets[len(p.Bets)-MaxProfileHistory:]
	}

	cutoff := now.Add(-BurstWindow)
	p.RecentCount = 0
	for _, b := range p.Bets {
		if b.Timestamp.After(cutoff) {
			p.RecentCount++
		}
	}

	p.TotalBets++
	p.UpdatedAt = now
}

// CalculateRiskScore sums the weights of every rule that fires. Relief
// earned through CAPTCHA is subtracted, floored at zero, but never moves a
// request out of the HIGH or CRITICAL tier.
func (e *RiskEngine) CalculateRiskScore(userID, ip string, signals RiskSignals) models.RiskAssessment {
	raw := 0
	var reasons []string
	for _, rule := range e.rules {
		if rule.Predicate(signals) {
			raw += rule.Weight
			reasons = append(reasons, rule.Reason)
		}
	}

	score := e.relieved(raw, signals.Profile.CaptchaRelief)

	return models.RiskAssessment{
		UserID:    userID,
		IP:        ip,
		RawScore:  raw,
		Score:     score,
		Reasons:   reasons,
		Tier:      e.tier(raw, score),
		Evaluated: e.now(),
	}
}

// relieved applies at most one CAPTCHA's worth of relief to raw.
func (e *RiskEngine) relieved(raw, relief int) int {
	if relief > e.cfg.CaptchaRelief {
		relief = e.cfg.CaptchaRelief
	}
	if relief < 0 {
		relief = 0
	}
	if score := raw - relief; score > 0 {
		return score
	}
	return 0
}

// tier picks HIGH and CRITICAL from the raw score; relief only decides
// between the lower tiers.
func (e *RiskEngine) tier(raw, score int) models.RiskTier {
	switch {
	case raw >= e.cfg.CriticalThreshold:
		return models.RiskTierCritical
	case raw >= e.cfg.HighThreshold:
		return models.RiskTierHigh
	case score >= e.cfg.MediumThreshold:
		return models.RiskTierMedium
	case score >= e.cfg.LowThreshold:
		return models.RiskTierLow
	default:
		return models.RiskTierNone
	}
}

// Assess tracks the bet and scores the request without taking any action.
func (e *RiskEngine) Assess(ctx context.Context, in RiskInput) (*models.RiskAssessment, error) {
	profile, err := e.TrackPattern(ctx, in.UserID, in.Amount)
	if err != nil {
		return nil, err
	}

	signals := RiskSignals{Profile: *profile, AccountAge: in.AccountAge}

	if signals.RateViolations, err = e.countEvents(ctx, fmt.Sprintf(KeyRateViolations, in.UserID)); err != nil {
		return nil, err
	}
	if in.IP != "" {
		if signals.FailedAuth, err = e.countEvents(ctx, fmt.Sprintf(KeyFailedAuth, in.IP)); err != nil {
			return nil, err
		}
		if signals.DistinctIPUsers, err = e.touchMember(ctx, fmt.Sprintf(KeyIPUsers, in.IP), in.UserID); err != nil {
			return nil, err
		}
	}

	assessment := e.CalculateRiskScore(in.UserID, in.IP, signals)
	if err := e.storeScore(ctx, in.UserID, assessment.RawScore, assessment.Score); err != nil {
		return nil, err
	}

	metrics.RiskScore.Observe(float64(assessment.Score))
	metrics.RiskDecisionsTotal.WithLabelValues(string(assessment.Tier)).Inc()
	return &assessment, nil
}

// Screen is the full risk step of a real-money commit: standing sanctions
// first, then the tier action for this request's score.
func (e *RiskEngine) Screen(ctx context.Context, in RiskInput) (*models.RiskAssessment, error) {
	if err := e.checkSanctions(ctx, in.UserID); err != nil {
		return nil, err
	}

	assessment, err := e.Assess(ctx, in)
	if err != nil {
		return nil, models.Unavailable(err, "risk state unavailable")
	}

	log := e.logger.With(
		zap.String("user_id", in.UserID),
		zap.String("ip", in.IP),
		zap.Int("score", assessment.Score),
		zap.Int("raw_score", assessment.RawScore),
		zap.Strings("reasons", assessment.Reasons),
	)

	switch assessment.Tier {
	case models.RiskTierCritical:
		log.Warn("account escalated to manual review")
		if err := e.flagForReview(ctx, in.UserID, assessment); err != nil {
			return assessment, err
		}
		return assessment, models.Reject(models.CodeAccountUnderReview, "account is under review").
			With("reasons", assessment.Reasons)

	case models.RiskTierHigh:
		log.Warn("suspicious activity cooldown applied")
		until := e.now().Add(e.cfg.Cooldown)
		cd := models.Cooldown{UserID: in.UserID, Until: until, Score: assessment.Score, Reasons: assessment.Reasons}
		if err := statestore.SetJSON(ctx, e.state, fmt.Sprintf(KeyCooldown, in.UserID), cd, e.cfg.Cooldown); err != nil {
			return assessment, models.Unavailable(err, "risk state unavailable")
		}
		return assessment, models.Reject(models.CodeSuspiciousCooldown, "suspicious activity detected").
			With("retryAfterSeconds", RetryAfterSeconds(e.cfg.Cooldown))

	case models.RiskTierMedium:
		log.Info("captcha required")
		return assessment, e.requireCaptcha(ctx, in, assessment)

	case models.RiskTierLow:
		log.Info("elevated risk")
	}

	return assessment, nil
}

func (e *RiskEngine) checkSanctions(ctx context.Context, userID string) error {
	if _, flagged, err := e.state.Get(ctx, fmt.Sprintf(KeyReviewFlag, userID)); err != nil {
		return models.Unavailable(err, "risk state unavailable")
	} else if flagged {
		return models.Reject(models.CodeAccountUnderReview, "account is under review")
	}

	if e.reviews != nil {
		sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		under, err := e.reviews.IsUnderReview(sctx, userID)
		cancel()
		if err != nil {
			return models.Unavailable(err, "review queue unavailable")
		}
		if under {
			return models.Reject(models.CodeAccountUnderReview, "account is under review")
		}
	}

	var cd models.Cooldown
	found, err := statestore.GetJSON(ctx, e.state, fmt.Sprintf(KeyCooldown, userID), &cd)
	if err != nil {
		return models.Unavailable(err, "risk state unavailable")
	}
	if found {
		if remaining := cd.Until.Sub(e.now()); remaining > 0 {
			return models.Reject(models.CodeSuspiciousCooldown, "suspicious activity cooldown in effect").
				With("retryAfterSeconds", RetryAfterSeconds(remaining))
		}
	}
	return nil
}

func (e *RiskEngine) flagForReview(ctx context.Context, userID string, a *models.RiskAssessment) error {
	if e.reviews != nil {
		sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		err := e.reviews.FlagForReview(sctx, userID, a.Score, a.Reasons)
		cancel()
		if err != nil {
			return models.Unavailable(err, "review queue unavailable")
		}
	}
	if err := e.state.Set(ctx, fmt.Sprintf(KeyReviewFlag, userID), []byte("1"), TTLReviewFlag); err != nil {
		e.logger.Warn("failed to cache review flag", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

func (e *RiskEngine) requireCaptcha(ctx context.Context, in RiskInput, a *models.RiskAssessment) error {
	if e.captcha == nil {
		return models.Unavailable(errors.New("no captcha service configured"), "captcha unavailable")
	}

	if in.CaptchaToken == "" {
		ch, err := e.captcha.Issue(ctx, in.UserID, in.IP)
		if err != nil {
			return models.Unavailable(err, "captcha unavailable")
		}
		return models.Reject(models.CodeCaptchaRequired, "captcha verification required").
			With("challengeId", ch.ChallengeID).
			With("expiresAt", ch.ExpiresAt)
	}

	result, err := e.captcha.Verify(ctx, in.UserID, in.IP, in.CaptchaToken)
	switch {
	case errors.Is(err, ErrNoChallenge):
		ch, ierr := e.captcha.Issue(ctx, in.UserID, in.IP)
		if ierr != nil {
			return models.Unavailable(ierr, "captcha unavailable")
		}
		return models.Reject(models.CodeCaptchaRequired, "no active challenge for this session").
			With("challengeId", ch.ChallengeID).
			With("expiresAt", ch.ExpiresAt)
	case err != nil:
		return models.Unavailable(err, "captcha provider unavailable")
	}

	if !result.Passed {
		rej := models.Reject(models.CodeCaptchaFailed, "captcha verification failed").
			With("attemptsRemaining", result.AttemptsRemaining)
		if result.Exhausted {
			rej.With("exhausted", true)
		}
		return rej
	}

	if err := e.ApplyCaptchaRelief(ctx, in.UserID); err != nil {
		return models.Unavailable(err, "risk state unavailable")
	}
	a.Score = e.relieved(a.RawScore, e.cfg.CaptchaRelief)
	a.Tier = e.tier(a.RawScore, a.Score)
	return nil
}

// ApplyCaptchaRelief lowers the user's effective score after a solved
// challenge. Relief does not stack: repeated solves leave it at one grant.
func (e *RiskEngine) ApplyCaptchaRelief(ctx context.Context, userID string) error {
	_, err := e.state.Update(ctx, fmt.Sprintf(KeyRiskProfile, userID), e.cfg.ProfileTTL,
		func(current []byte, exists bool) ([]byte, error) {
			profile := models.RiskProfile{UserID: userID}
			if exists {
				if err := json.Unmarshal(current, &profile); err != nil {
					return nil, err
				}
			}
			profile.CaptchaRelief = e.cfg.CaptchaRelief
			profile.Score = e.relieved(profile.RawScore, profile.CaptchaRelief)
			return json.Marshal(profile)
		})
	return err
}

func (e *RiskEngine) storeScore(ctx context.Context, userID string, raw, score int) error {
	_, err := e.state.Update(ctx, fmt.Sprintf(KeyRiskProfile, userID), e.cfg.ProfileTTL,
		func(current []byte, exists bool) ([]byte, error) {
			if !exists {
				return nil, statestore.ErrAbort
			}
			var profile models.RiskProfile
			if err := json.Unmarshal(current, &profile); err != nil {
				return nil, err
			}
			profile.RawScore = raw
			profile.Score = score
			return json.Marshal(profile)
		})
	return err
}

// RecordRateLimitViolation counts a rejection toward the user's violation signal.
func (e *RiskEngine) RecordRateLimitViolation(ctx context.Context, userID string) error {
	_, err := e.recordEvent(ctx, fmt.Sprintf(KeyRateViolations, userID))
	return err
}

// RecordAuthFailure counts a failed authentication from ip.
func (e *RiskEngine) RecordAuthFailure(ctx context.Context, ip string) error {
	_, err := e.recordEvent(ctx, fmt.Sprintf(KeyFailedAuth, NormalizeIP(ip)))
	return err
}

// Snapshot is a read-only view of a user's current risk state.
type RiskSnapshot struct {
	UserID        string           `json:"userId"`
	Score         int              `json:"score"`
	Tier          models.RiskTier  `json:"tier"`
	TotalBets     int              `json:"totalBets"`
	RecentBets    int              `json:"recentBets"`
	CaptchaRelief int              `json:"captchaRelief"`
	Cooldown      *models.Cooldown `json:"cooldown,omitempty"`
	UnderReview   bool             `json:"underReview"`
}

func (e *RiskEngine) Snapshot(ctx context.Context, userID string) (*RiskSnapshot, error) {
	snap := &RiskSnapshot{UserID: userID, Tier: models.RiskTierNone}

	var profile models.RiskProfile
	found, err := statestore.GetJSON(ctx, e.state, fmt.Sprintf(KeyRiskProfile, userID), &profile)
	if err != nil {
		return nil, err
	}
	if found {
		snap.Score = profile.Score
		snap.Tier = e.tier(profile.RawScore, profile.Score)
		snap.TotalBets = profile.TotalBets
		snap.RecentBets = profile.RecentCount
		snap.CaptchaRelief = profile.CaptchaRelief
	}

	var cd models.Cooldown
	if found, err := statestore.GetJSON(ctx, e.state, fmt.Sprintf(KeyCooldown, userID), &cd); err != nil {
		return nil, err
	} else if found && cd.Until.After(e.now()) {
		snap.Cooldown = &cd
	}

	_, snap.UnderReview, err = e.state.Get(ctx, fmt.Sprintf(KeyReviewFlag, userID))
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// recordEvent appends now to a windowed event list and returns its length.
func (e *RiskEngine) recordEvent(ctx context.Context, key string) (int, error) {
	now := e.now()
	cutoff := now.Add(-e.cfg.SignalWindow).UnixMilli()
	var count int

	_, err := e.state.Update(ctx, key, e.cfg.SignalWindow, func(current []byte, exists bool) ([]byte, error) {
		events := pruneEvents(current, exists, cutoff)
		events = append(events, now.UnixMilli())
		count = len(events)
		return json.Marshal(events)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record %s: %w", key, err)
	}
	return count, nil
}

func (e *RiskEngine) countEvents(ctx context.Context, key string) (int, error) {
	raw, ok, err := e.state.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return len(pruneEvents(raw, ok, e.now().Add(-e.cfg.SignalWindow).UnixMilli())), nil
}

func pruneEvents(raw []byte, exists bool, cutoff int64) []int64 {
	if !exists {
		return nil
	}
	var events []int64
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil
	}
	kept := events[:0]
	for _, ts := range events {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return kept
}

// touchMember marks member as seen and returns how many distinct members
// were seen within the signal window.
func (e *RiskEngine) touchMember(ctx context.Context, key, member string) (int, error) {
	now := e.now()
	cutoff := now.Add(-e.cfg.SignalWindow).UnixMilli()
	var count int

	_, err := e.state.Update(ctx, key, e.cfg.SignalWindow, func(current []byte, exists bool) ([]byte, error) {
		seen := map[string]int64{}
		if exists {
			_ = json.Unmarshal(current, &seen)
		}
		for m, ts := range seen {
			if ts <= cutoff {
				delete(seen, m)
			}
		}
		seen[member] = now.UnixMilli()
		count = len(seen)
		return json.Marshal(seen)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", key, err)
	}
	return count, nil
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"fairbet-gateway/internal/config"
	"fairbet-gateway/internal/metrics"
	"fairbet-gateway/internal/models"
	"fairbet-gateway/internal/statestore"
)

var ErrNoChallenge = errors.New("no active captcha challenge")

// CaptchaVerdict is the provider's answer for one token.
type CaptchaVerdict struct {
	Success bool
	Score   float64
}

// CaptchaVerifier checks a solved challenge token with an external provider.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (CaptchaVerdict, error)
}

// HTTPCaptchaVerifier speaks the common siteverify protocol: a form POST of
// secret, response and remoteip, answered with {"success", "score"}.
type HTTPCaptchaVerifier struct {
	verifyURL string
	secret    string
	minScore  float64
	client    *http.Client
}

func NewHTTPCaptchaVerifier(cfg config.CaptchaConfig) *HTTPCaptchaVerifier {
	return &HTTPCaptchaVerifier{
		verifyURL: cfg.VerifyURL,
		secret:    cfg.Secret,
		minScore:  cfg.MinScore,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

func (v *HTTPCaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (CaptchaVerdict, error) {
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return CaptchaVerdict{}, fmt.Errorf("failed to build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return CaptchaVerdict{}, fmt.Errorf("captcha provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CaptchaVerdict{}, fmt.Errorf("captcha provider returned status %d", resp.StatusCode)
	}

	var body siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return CaptchaVerdict{}, fmt.Errorf("failed to decode captcha response: %w", err)
	}

	verdict := CaptchaVerdict{Success: body.Success, Score: 1}
	if body.Score != nil {
		verdict.Score = *body.Score
		if verdict.Score < v.minScore {
			verdict.Success = false
		}
	}
	return verdict, nil
}

// DevBypassVerifier passes every token. Wire it only when the configuration
// explicitly allows the bypass outside production.
type DevBypassVerifier struct{}

func (DevBypassVerifier) Verify(context.Context, string, string) (CaptchaVerdict, error) {
	return CaptchaVerdict{Success: true, Score: 1}, nil
}

// CaptchaResult describes one verification attempt.
type CaptchaResult struct {
	Passed            bool
	Exhausted         bool
	AttemptsRemaining int
}

// CaptchaService owns challenge lifecycle: one live challenge per (user, ip).
type CaptchaService struct {
	state       statestore.Store
	verifier    CaptchaVerifier
	ttl         time.Duration
	maxAttempts int
	timeout     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewCaptchaService(state statestore.Store, verifier CaptchaVerifier, cfg config.CaptchaConfig, logger *zap.Logger) *CaptchaService {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &CaptchaService{
		state:       state,
		verifier:    verifier,
		ttl:         cfg.TTL,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *CaptchaService) WithClock(now func() time.Time) *CaptchaService {
	s.now = now
	return s
}

func challengeKey(userID, ip string) string {
	return fmt.Sprintf(KeyCaptcha, userID, ip)
}

// Issue returns the live challenge for (user, ip), creating one if needed.
func (s *CaptchaService) Issue(ctx context.Context, userID, ip string) (*models.CaptchaChallenge, error) {
	now := s.now()
	var ch models.CaptchaChallenge

	_, err := s.state.Update(ctx, challengeKey(userID, ip), s.ttl, func(current []byte, exists bool) ([]byte, error) {
		if exists && json.Unmarshal(current, &ch) == nil && now.Before(ch.ExpiresAt) {
			return nil, statestore.ErrAbort
		}
		ch = models.CaptchaChallenge{
			ChallengeID: models.GenerateChallengeID(),
			UserID:      userID,
			IP:          ip,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.ttl),
		}
		return json.Marshal(ch)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue captcha challenge: %w", err)
	}
	metrics.CaptchaResultsTotal.WithLabelValues("issued").Inc()
	return &ch, nil
}

// Verify checks token against the provider for the live (user, ip) challenge.
// Provider errors are returned as errors and never count as a pass.
func (s *CaptchaService) Verify(ctx context.Context, userID, ip, token string) (CaptchaResult, error) {
	key := challengeKey(userID, ip)

	var ch models.CaptchaChallenge
	found, err := statestore.GetJSON(ctx, s.state, key, &ch)
	if err != nil {
		return CaptchaResult{}, err
	}
	if !found || !s.now().Before(ch.ExpiresAt) {
		return CaptchaResult{}, ErrNoChallenge
	}

	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	verdict, err := s.verifier.Verify(vctx, token, ip)
	cancel()
	if err != nil {
		metrics.CaptchaResultsTotal.WithLabelValues("error").Inc()
		s.logger.Error("captcha provider failed", zap.String("user_id", userID), zap.Error(err))
		return CaptchaResult{}, err
	}

	if verdict.Success {
		if err := s.state.Delete(ctx, key); err != nil {
			return CaptchaResult{}, err
		}
		metrics.CaptchaResultsTotal.WithLabelValues("passed").Inc()
		return CaptchaResult{Passed: true}, nil
	}

	var result CaptchaResult
	_, err = s.state.Update(ctx, key, s.ttl, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			result = CaptchaResult{Exhausted: true}
			return nil, statestore.ErrAbort
		}
		var live models.CaptchaChallenge
		if err := json.Unmarshal(current, &live); err != nil {
			return nil, err
		}
		live.Attempts++
		if live.Attempts >= s.maxAttempts {
			result = CaptchaResult{Exhausted: true}
			return nil, nil
		}
		result = CaptchaResult{AttemptsRemaining: s.maxAttempts - live.Attempts}
		return json.Marshal(live)
	})
	if err != nil {
		return CaptchaResult{}, err
	}

	if result.Exhausted {
		metrics.CaptchaResultsTotal.WithLabelValues("exhausted").Inc()
	} else {
		metrics.CaptchaResultsTotal.WithLabelValues("failed").Inc()
	}
	return result, nil
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RiskTier string

const (
	RiskTierNone     RiskTier = "none"
	RiskTierLow      RiskTier = "low"
	RiskTierMedium   RiskTier = "medium"
	RiskTierHigh     RiskTier = "high"
	RiskTierCritical RiskTier = "critical"
)

// BetSample is one entry of a profile's rolling history.
type BetSample struct {
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// RiskProfile is volatile behavioral state for a user. It may be dropped on
// restart; only anti-abuse strength degrades.
type RiskProfile struct {
	UserID          string      `json:"user_id"`
	Bets            []BetSample `json:"bets"`
	RecentCount     int         `json:"recent_count"`
	IdenticalRun    int         `json:"identical_run"`
	RoundNumberOnly bool        `json:"round_number_only"`
	TotalBets       int         `json:"total_bets"`
	RawScore        int         `json:"raw_score"`
	Score           int         `json:"score"`
	CaptchaRelief   int         `json:"captcha_relief"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// AverageBet is the mean of the amounts in the rolling history.
func (p *RiskProfile) AverageBet() decimal.Decimal {
	if len(p.Bets) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, b := range p.Bets {
		sum = sum.Add(b.Amount)
	}
	return sum.Div(decimal.NewFromInt(int64(len(p.Bets))))
}

// RiskAssessment is the scored verdict for one request.
type RiskAssessment struct {
	UserID    string    `json:"userId"`
	IP        string    `json:"ip"`
	RawScore  int       `json:"rawScore"`
	Score     int       `json:"score"`
	Reasons   []string  `json:"reasons"`
	Tier      RiskTier  `json:"tier"`
	Evaluated time.Time `json:"evaluatedAt"`
}

type CaptchaChallenge struct {
	ChallengeID string    `json:"challenge_id"`
	UserID      string    `json:"user_id"`
	IP          string    `json:"ip"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Attempts    int       `json:"attempts"`
}

// Cooldown is set when a request scores in the HIGH tier.
type Cooldown struct {
	UserID  string    `json:"user_id"`
	Until   time.Time `json:"until"`
	Score   int       `json:"score"`
	Reasons []string  `json:"reasons"`
}

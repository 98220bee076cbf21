package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type GameVariant string

const (
	GameVariantDice   GameVariant = "dice"
	GameVariantMatrix GameVariant = "matrix"
	GameVariantCrash  GameVariant = "crash"
)

func (v GameVariant) Valid() bool {
	switch v {
	case GameVariantDice, GameVariantMatrix, GameVariantCrash:
		return true
	}
	return false
}

// GameMode separates real-money bets from practice rounds. Practice rounds
// skip rate limiting and risk scoring.
type GameMode string

const (
	GameModeReal     GameMode = "real"
	GameModePractice GameMode = "practice"
)

type CommitmentStatus string

const (
	CommitmentPending  CommitmentStatus = "pending"
	CommitmentResolved CommitmentStatus = "resolved"
	CommitmentExpired  CommitmentStatus = "expired"
	CommitmentFailed   CommitmentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s CommitmentStatus) Terminal() bool {
	return s == CommitmentResolved || s == CommitmentExpired || s == CommitmentFailed
}

// Commitment binds a bet to a server seed whose hash was published before
// the outcome existed. ServerSeed stays server-side until resolution.
type Commitment struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"`
	UserID      string          `json:"user_id"`
	Mode        GameMode        `json:"mode"`
	GameVariant GameVariant     `json:"game_variant"`
	BetAmount   decimal.Decimal `json:"bet_amount"`
	PickedValue decimal.Decimal `json:"picked_value"`
	Nonce       int64           `json:"nonce"`

	ServerSeed     string `json:"-"`
	ServerSeedHash string `json:"server_seed_hash"`
	ClientSeed     string `json:"client_seed"`

	Status        CommitmentStatus `json:"status"`
	Outcome       float64          `json:"outcome,omitempty"`
	IsWin         bool             `json:"is_win"`
	Multiplier    decimal.Decimal  `json:"multiplier"`
	Payout        decimal.Decimal  `json:"payout"`
	FailureReason string           `json:"failure_reason,omitempty"`

	ClientIP   string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ExpiredAt reports whether a pending commitment is past its window.
func (c *Commitment) ExpiredAt(now time.Time) bool {
	return c.Status == CommitmentPending && !now.Before(c.ExpiresAt)
}

// CommitmentView is what callers and the public feed get to see.
type CommitmentView struct {
	ID             string           `json:"commitmentId"`
	RequestID      string           `json:"requestId"`
	Mode           GameMode         `json:"gameType"`
	GameVariant    GameVariant      `json:"gameVariant"`
	BetAmount      decimal.Decimal  `json:"betAmount"`
	PickedValue    decimal.Decimal  `json:"pickedValue"`
	Nonce          int64            `json:"nonce"`
	ServerSeedHash string           `json:"serverSeedHash"`
	ServerSeed     string           `json:"serverSeed,omitempty"`
	ClientSeed     string           `json:"clientSeed"`
	Status         CommitmentStatus `json:"status"`
	Outcome        *float64         `json:"outcome,omitempty"`
	IsWin          *bool            `json:"isWin,omitempty"`
	Multiplier     *decimal.Decimal `json:"multiplier,omitempty"`
	Payout         *decimal.Decimal `json:"payout,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
}

// Public hides the server seed and outcome fields until the commitment is resolved.
func (c *Commitment) Public() CommitmentView {
	v := CommitmentView{
		ID:             c.ID,
		RequestID:      c.RequestID,
		Mode:           c.Mode,
		GameVariant:    c.GameVariant,
		BetAmount:      c.BetAmount,
		PickedValue:    c.PickedValue,
		Nonce:          c.Nonce,
		ServerSeedHash: c.ServerSeedHash,
		ClientSeed:     c.ClientSeed,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt,
		ExpiresAt:      c.ExpiresAt,
		ResolvedAt:     c.ResolvedAt,
	}
	if c.Status == CommitmentResolved {
		outcome, win := c.Outcome, c.IsWin
		multiplier, payout := c.Multiplier, c.Payout
		v.ServerSeed = c.ServerSeed
		v.Outcome = &outcome
		v.IsWin = &win
		v.Multiplier = &multiplier
		v.Payout = &payout
	}
	return v
}

// GameResult is returned by a reveal.
type GameResult struct {
	Commitment CommitmentView  `json:"commitment"`
	Win        bool            `json:"win"`
	Rolled     float64         `json:"rolled"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

type VerificationData struct {
	ServerSeed     string      `json:"serverSeed" binding:"required"`
	ServerSeedHash string      `json:"serverSeedHash" binding:"required"`
	ClientSeed     string      `json:"clientSeed" binding:"required"`
	Nonce          int64       `json:"nonce"`
	GameVariant    GameVariant `json:"gameVariant" binding:"required"`
	ClaimedValue   float64     `json:"claimedValue"`
}

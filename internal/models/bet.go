package models

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// BetData is the game-specific part of a commit request.
type BetData struct {
	BetAmount   decimal.Decimal `json:"betAmount"`
	PickedValue decimal.Decimal `json:"pickedValue"`
}

// BetCommitRequest is the wire form of POST /api/bets/commit.
// Identity, timestamp and nonce are left to the replay checks so they are
// rejected with their own codes.
type BetCommitRequest struct {
	RequestID    string      `json:"requestId"`
	GameType     GameMode    `json:"gameType" binding:"omitempty,oneof=real practice"`
	GameVariant  GameVariant `json:"gameVariant" binding:"required,oneof=dice matrix crash"`
	BetData      BetData     `json:"betData"`
	Timestamp    int64       `json:"timestamp"`
	Nonce        json.Number `json:"nonce"`
	ClientSeed   string      `json:"clientSeed,omitempty" binding:"max=128"`
	CaptchaToken string      `json:"captchaToken,omitempty" binding:"max=4096"`
}

// ParseNonce returns the nonce as a non-negative integer.
func (r *BetCommitRequest) ParseNonce() (int64, error) {
	if r.Nonce == "" {
		return 0, fmt.Errorf("nonce is required")
	}
	n, err := strconv.ParseInt(r.Nonce.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("nonce must be an integer: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("nonce must be non-negative")
	}
	return n, nil
}

// VariantBet is a bet validated against the rules of one game variant.
type VariantBet interface {
	Variant() GameVariant
	Amount() decimal.Decimal
	Target() decimal.Decimal
}

// DiceBet picks one face of an eight-sided die.
type DiceBet struct {
	BetAmount decimal.Decimal
	Face      int
}

func (b DiceBet) Variant() GameVariant    { return GameVariantDice }
func (b DiceBet) Amount() decimal.Decimal { return b.BetAmount }
func (b DiceBet) Target() decimal.Decimal { return decimal.NewFromInt(int64(b.Face)) }

// MatrixBet wins when the rolled percentile is strictly below WinChance.
type MatrixBet struct {
	BetAmount decimal.Decimal
	WinChance decimal.Decimal
}

func (b MatrixBet) Variant() GameVariant    { return GameVariantMatrix }
func (b MatrixBet) Amount() decimal.Decimal { return b.BetAmount }
func (b MatrixBet) Target() decimal.Decimal { return b.WinChance }

// CrashBet wins when the rolled multiplier reaches CashOut.
type CrashBet struct {
	BetAmount decimal.Decimal
	CashOut   decimal.Decimal
}

func (b CrashBet) Variant() GameVariant    { return GameVariantCrash }
func (b CrashBet) Amount() decimal.Decimal { return b.BetAmount }
func (b CrashBet) Target() decimal.Decimal { return b.CashOut }

var (
	diceMinFace     = decimal.NewFromInt(1)
	diceMaxFace     = decimal.NewFromInt(8)
	matrixMaxChance = decimal.NewFromInt(100)
	crashMinCashOut = decimal.RequireFromString("1.01")
	crashMaxCashOut = decimal.NewFromInt(10)
)

// TypedBet converts the loose wire payload into the variant's bet type.
func (r *BetCommitRequest) TypedBet() (VariantBet, error) {
	amount := r.BetData.BetAmount
	if !amount.IsPositive() {
		return nil, fmt.Errorf("bet amount must be positive")
	}
	picked := r.BetData.PickedValue

	switch r.GameVariant {
	case GameVariantDice:
		if !picked.IsInteger() || picked.LessThan(diceMinFace) || picked.GreaterThan(diceMaxFace) {
			return nil, fmt.Errorf("dice pick must be an integer between 1 and 8")
		}
		return DiceBet{BetAmount: amount, Face: int(picked.IntPart())}, nil
	case GameVariantMatrix:
		if !picked.IsPositive() || !picked.LessThan(matrixMaxChance) {
			return nil, fmt.Errorf("matrix win chance must be in (0, 100)")
		}
		return MatrixBet{BetAmount: amount, WinChance: picked}, nil
	case GameVariantCrash:
		if picked.LessThan(crashMinCashOut) || picked.GreaterThan(crashMaxCashOut) {
			return nil, fmt.Errorf("crash cash-out must be between 1.01 and 10.00")
		}
		return CrashBet{BetAmount: amount, CashOut: picked}, nil
	default:
		return nil, fmt.Errorf("invalid game variant: %s", r.GameVariant)
	}
}

type RevealRequest struct {
	RequestID string `json:"requestId" binding:"required"`
}

package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hexTokenPattern = regexp.MustCompile(`^[0-9a-f]{32,64}$`)

func GenerateCommitmentID() string {
	return fmt.Sprintf("cmt_%s_%s",
		time.Now().UTC().Format("20060102"),
		uuid.NewString())
}

func GenerateChallengeID() string {
	return "chl_" + uuid.NewString()
}

// ValidRequestID accepts a UUID or a 32-64 char lowercase hex token.
func ValidRequestID(id string) bool {
	if hexTokenPattern.MatchString(id) {
		return true
	}
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func CalculatePayout(betAmount, multiplier decimal.Decimal) decimal.Decimal {
	return betAmount.Mul(multiplier)
}

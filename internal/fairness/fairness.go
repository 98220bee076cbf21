// Package fairness derives bet outcomes from committed seeds so that any
// third party holding the revealed server seed can recompute them.
//
// Nothing in this package touches state or the network; VerifyOutcome can be
// ported to a browser and run by players.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"

	"fairbet-gateway/internal/models"
)

const (
	ServerSeedBytes = 32
	ClientSeedBytes = 16

	// CrashHouseEdge is folded into the crash-point distribution.
	CrashHouseEdge = 0.01
	CrashMin       = 1.00
	CrashMax       = 10.00

	DiceFaces        = 8
	matrixResolution = 10000 // four decimal digits
	outcomeTolerance = 1e-9

	ReasonHashMismatch    = "hash mismatch"
	ReasonOutcomeMismatch = "outcome mismatch"
)

// GenerateServerSeed returns 32 bytes from crypto/rand, hex-encoded.
// An RNG failure is returned, never papered over.
func GenerateServerSeed() (string, error) {
	return randomHex(ServerSeedBytes)
}

// GenerateClientSeed is used when the player does not supply one.
func GenerateClientSeed() (string, error) {
	return randomHex(ClientSeedBytes)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSeed is the commitment published before play.
func HashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// roundHash is HMAC-SHA256(serverSeed, "clientSeed:nonce") in hex.
func roundHash(serverSeed, clientSeed string, nonce int64) string {
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(clientSeed + ":" + strconv.FormatInt(nonce, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// unitFloat maps the first 52 bits of a hex digest onto [0, 1).
func unitFloat(digest string) float64 {
	n, _ := strconv.ParseUint(digest[:13], 16, 64)
	return float64(n) / float64(uint64(1)<<52)
}

// GenerateOutcome is deterministic in (serverSeed, clientSeed, nonce, variant).
func GenerateOutcome(serverSeed, clientSeed string, nonce int64, variant models.GameVariant) (float64, error) {
	r := unitFloat(roundHash(serverSeed, clientSeed, nonce))

	switch variant {
	case models.GameVariantDice:
		return float64(1 + int(r*DiceFaces)), nil
	case models.GameVariantMatrix:
		return math.Floor(r*100*matrixResolution) / matrixResolution, nil
	case models.GameVariantCrash:
		return crashPoint(r), nil
	default:
		return 0, fmt.Errorf("unsupported game variant: %s", variant)
	}
}

// crashPoint uses the usual house-edge curve, capped to the product range.
func crashPoint(r float64) float64 {
	point := math.Floor(100*(1-CrashHouseEdge)/(1-r)) / 100
	if point < CrashMin {
		point = CrashMin
	}
	if point > CrashMax {
		point = CrashMax
	}
	return point
}

// Verification is the result of an independent recomputation.
type Verification struct {
	Valid    bool    `json:"valid"`
	Reason   string  `json:"reason,omitempty"`
	Computed float64 `json:"computed,omitempty"`
}

// VerifyOutcome checks the seed against its commitment first, then the claimed value.
func VerifyOutcome(serverSeed, serverSeedHash, clientSeed string, nonce int64, variant models.GameVariant, claimed float64) Verification {
	if HashSeed(serverSeed) != serverSeedHash {
		return Verification{Valid: false, Reason: ReasonHashMismatch}
	}
	computed, err := GenerateOutcome(serverSeed, clientSeed, nonce, variant)
	if err != nil {
		return Verification{Valid: false, Reason: err.Error()}
	}
	if math.Abs(computed-claimed) > outcomeTolerance {
		return Verification{Valid: false, Reason: ReasonOutcomeMismatch, Computed: computed}
	}
	return Verification{Valid: true, Computed: computed}
}

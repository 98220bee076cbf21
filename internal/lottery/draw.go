// Package lottery selects jackpot winners from a ticket pool using the same
// committed seeds as game rounds, so a draw can be replayed by anyone who
// holds the revealed server seed.
package lottery

import (
	"errors"
	"fmt"

	"fairbet-gateway/internal/fairness"
)

// MaxTickets bounds the pool a single draw will shuffle.
const MaxTickets = 50000

var (
	ErrNoTickets       = errors.New("lottery: ticket pool is empty")
	ErrTooManyTickets  = fmt.Errorf("lottery: ticket pool exceeds %d entries", MaxTickets)
	ErrTooManyWinners  = errors.New("lottery: more winners requested than distinct entrants")
	ErrSeedMismatch    = errors.New("lottery: server seed does not match the published hash")
	ErrWinnersMismatch = errors.New("lottery: claimed winners differ from the recomputed draw")
)

// Result is a completed draw. Winners are listed in draw order.
type Result struct {
	ServerSeedHash string   `json:"serverSeedHash"`
	ClientSeed     string   `json:"clientSeed"`
	TicketCount    int      `json:"ticketCount"`
	Winners        []string `json:"winners"`
}

// Draw orders the pool with the seeded shuffle and takes the first n
// distinct entrants. An entrant holding several tickets has proportionally
// better odds but can win only once.
func Draw(serverSeed, clientSeed string, tickets []string, n int) (*Result, error) {
	if len(tickets) == 0 {
		return nil, ErrNoTickets
	}
	if len(tickets) > MaxTickets {
		return nil, ErrTooManyTickets
	}
	if n < 1 {
		return nil, fmt.Errorf("lottery: winner count must be positive, got %d", n)
	}

	distinct := make(map[string]struct{}, len(tickets))
	for _, t := range tickets {
		distinct[t] = struct{}{}
	}
	if n > len(distinct) {
		return nil, fmt.Errorf("%w: %d requested, %d entrants", ErrTooManyWinners, n, len(distinct))
	}

	winners := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for _, idx := range fairness.Shuffle(serverSeed, clientSeed, len(tickets)) {
		t := tickets[idx]
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		winners = append(winners, t)
		if len(winners) == n {
			break
		}
	}

	return &Result{
		ServerSeedHash: fairness.HashSeed(serverSeed),
		ClientSeed:     clientSeed,
		TicketCount:    len(tickets),
		Winners:        winners,
	}, nil
}

// VerifyDraw recomputes a draw from the revealed seed and compares it with
// the published winners.
func VerifyDraw(serverSeed, serverSeedHash, clientSeed string, tickets, claimed []string) error {
	if fairness.HashSeed(serverSeed) != serverSeedHash {
		return ErrSeedMismatch
	}
	res, err := Draw(serverSeed, clientSeed, tickets, len(claimed))
	if err != nil {
		return err
	}
	for i := range claimed {
		if res.Winners[i] != claimed[i] {
			return fmt.Errorf("%w: position %d is %q, claimed %q", ErrWinnersMismatch, i+1, res.Winners[i], claimed[i])
		}
	}
	return nil
}

package chain

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrAccountNotFound is returned for unknown token accounts.
var ErrAccountNotFound = errors.New("token account not found")

// Simulator is an in-memory chain used in tests and local development. It
// tracks token account balances, advances slots, and can inject faults so
// callers exercise their transient-failure paths.
type Simulator struct {
	mu       sync.Mutex
	balances map[string]int64
	slot     int64
	failNext int
}

// NewSimulator creates an empty simulated chain.
func NewSimulator() *Simulator {
	return &Simulator{balances: make(map[string]int64), slot: 1}
}

// SetBalance sets the authoritative balance of a token account.
func (s *Simulator) SetBalance(tokenAccount string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[tokenAccount] = amount
}

// AdjustBalance shifts a token account balance and advances the slot,
// returning a fresh transaction signature the way a submitted transaction
// would.
func (s *Simulator) AdjustBalance(tokenAccount string, delta int64) (sig string, slot int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[tokenAccount] += delta
	s.slot++
	return uuid.NewString(), s.slot
}

// FailNext makes the next n reads fail with a transient error.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// TokenAccountBalance implements Reader.
func (s *Simulator) TokenAccountBalance(ctx context.Context, tokenAccount string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return 0, errors.New("rpc unavailable")
	}
	balance, ok := s.balances[tokenAccount]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

// CurrentSlot implements Reader.
func (s *Simulator) CurrentSlot(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot, nil
}

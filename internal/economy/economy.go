// Package economy is the contract this system needs from the host's player wallet.
package economy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chunkclaims.ai/internal/claims/model"
)

// ErrUnavailable is returned when the provider cannot be reached.
var ErrUnavailable = errors.New("economy: provider unavailable")

// ErrRefused is reported when a provider declines a deposit without an error.
var ErrRefused = errors.New("economy: deposit refused")

// Provider moves money in and out of player wallets. A false result with a nil error is a refusal
// (for example insufficient funds); a non-nil error means the outcome is unknown or the provider is down.
type Provider interface {
	Has(ctx context.Context, player string, amount model.Money) (bool, error)
	Withdraw(ctx context.Context, player string, amount model.Money) (bool, error)
	Deposit(ctx context.Context, player string, amount model.Money) (bool, error)
}

// Memory is an in-process wallet, used by tests and the standalone server.
type Memory struct {
	mu       sync.Mutex
	balances map[string]model.Money

	failDeposits int
	down         bool
}

func NewMemory() *Memory {
	return &Memory{balances: map[string]model.Money{}}
}

func (m *Memory) Has(_ context.Context, player string, amount model.Money) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, ErrUnavailable
	}
	return m.balances[player] >= amount, nil
}

func (m *Memory) Withdraw(_ context.Context, player string, amount model.Money) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("negative withdraw %v", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, ErrUnavailable
	}
	if m.balances[player] < amount {
		return false, nil
	}
	m.balances[player] -= amount
	return true, nil
}

func (m *Memory) Deposit(_ context.Context, player string, amount model.Money) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("negative deposit %v", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, ErrUnavailable
	}
	if m.failDeposits > 0 {
		m.failDeposits--
		return false, ErrUnavailable
	}
	m.balances[player] += amount
	return true, nil
}

func (m *Memory) Balance(player string) model.Money {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[player]
}

func (m *Memory) Set(player string, amount model.Money) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[player] = amount
}

// SetDown makes every call return ErrUnavailable.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// FailNextDeposits makes the next n deposits return ErrUnavailable.
func (m *Memory) FailNextDeposits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDeposits = n
}

// RetryDeposit deposits amount up to attempts times, sleeping backoff*i between tries.
// It returns the attempt that succeeded, or the last error once every attempt failed.
func RetryDeposit(ctx context.Context, p Provider, player string, amount model.Money, attempts int, backoff time.Duration) (int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		ok, err := p.Deposit(ctx, player, amount)
		if err == nil && ok {
			return i, nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = ErrRefused
		}
		if i < attempts && backoff > 0 {
			select {
			case <-ctx.Done():
				return i, errors.Join(lastErr, ctx.Err())
			case <-time.After(backoff * time.Duration(i)):
			}
		}
	}
	return attempts, lastErr
}

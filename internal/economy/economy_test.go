package economy

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryWallet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Set("alice", 100)

	if ok, _ := m.Has(ctx, "alice", 101); ok {
		t.Fatalf("expected has=false for more than balance")
	}
	if ok, err := m.Withdraw(ctx, "alice", 150); err != nil || ok {
		t.Fatalf("expected refusal, ok=%v err=%v", ok, err)
	}
	if ok, err := m.Withdraw(ctx, "alice", 100); err != nil || !ok {
		t.Fatalf("expected withdraw, ok=%v err=%v", ok, err)
	}
	m.FailNextDeposits(1)
	if _, err := m.Deposit(ctx, "alice", 100); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected forced failure, got %v", err)
	}
	if ok, err := m.Deposit(ctx, "alice", 100); err != nil || !ok {
		t.Fatalf("expected deposit, ok=%v err=%v", ok, err)
	}
	if got := m.Balance("alice"); got != 100 {
		t.Fatalf("expected 100, got %v", got)
	}
}

func TestRetryDeposit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailNextDeposits(2)
	n, err := RetryDeposit(ctx, m, "bob", 250, 3, 0)
	if err != nil || n != 3 {
		t.Fatalf("expected success on attempt 3, n=%d err=%v", n, err)
	}
	if got := m.Balance("bob"); got != 250 {
		t.Fatalf("expected a single credit, got %v", got)
	}

	m.FailNextDeposits(5)
	if _, err := RetryDeposit(ctx, m, "bob", 250, 2, 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if got := m.Balance("bob"); got != 250 {
		t.Fatalf("failed deposits must not credit, got %v", got)
	}
}

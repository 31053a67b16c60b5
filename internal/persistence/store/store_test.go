package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chunkclaims.ai/internal/claims/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "claims.sqlite"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedClaim(t *testing.T, s *Store, owner string, nextDue *time.Time, chunks ...model.ChunkPos) int64 {
	t.Helper()
	var id int64
	err := s.InTx(context.Background(), func(tx *Tx) error {
		var err error
		id, err = tx.InsertClaim(context.Background(), &model.Claim{
			Owner: owner, World: "world", TotalChunks: 10, ClaimOrder: 1,
			Settings: model.DefaultSettings(), CreatedAt: time.Unix(100, 0),
		})
		if err != nil {
			return err
		}
		for _, p := range chunks {
			if err := tx.InsertChunk(context.Background(), p, id); err != nil {
				return err
			}
		}
		return tx.EnsureBank(context.Background(), id, nextDue)
	})
	if err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	return id
}

func TestRebindPostgres(t *testing.T) {
	r := reader{dialect: DialectPostgres}
	got := r.rebind("SELECT a FROM t WHERE x = ? AND y = ?")
	if got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	r.dialect = DialectSQLite
	if got := r.rebind("x = ?"); got != "x = ?" {
		t.Fatalf("sqlite must keep placeholders, got %s", got)
	}
}

func TestChunkUniqueness(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	pos := model.ChunkPos{World: "world", X: 1, Z: 2}
	a := seedClaim(t, s, "alice", nil, pos)
	b := seedClaim(t, s, "bob", nil)

	err := s.InTx(ctx, func(tx *Tx) error { return tx.InsertChunk(ctx, pos, b) })
	if !errors.Is(err, ErrChunkTaken) {
		t.Fatalf("expected ErrChunkTaken, got %v", err)
	}
	owner, err := s.ClaimAt(ctx, pos)
	if err != nil || owner != a {
		t.Fatalf("expected chunk to stay with %d, got %d err=%v", a, owner, err)
	}
	if _, err := s.ClaimAt(ctx, model.ChunkPos{World: "world", X: 9, Z: 9}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id := seedClaim(t, s, "alice", nil)
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.AddCapacity(ctx, id, 5, 5, 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	c, err := s.ClaimByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalChunks != 10 || c.PurchasedChunks != 0 {
		t.Fatalf("expected rollback, got total=%d purchased=%d", c.TotalChunks, c.PurchasedChunks)
	}
}

func TestDebitNeverGoesNegative(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id := seedClaim(t, s, "alice", nil)
	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.Credit(ctx, id, 500); err != nil {
			return err
		}
		if _, ok, err := tx.Debit(ctx, id, 501); err != nil || ok {
			t.Fatalf("expected debit to be refused, ok=%v err=%v", ok, err)
		}
		bal, ok, err := tx.Debit(ctx, id, 500)
		if err != nil || !ok || bal != 0 {
			t.Fatalf("expected full debit, bal=%v ok=%v err=%v", bal, ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestChargeUpkeepIsConditional(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	due := time.Unix(1_000, 0).UTC()
	now := due.Add(time.Minute)
	id := seedClaim(t, s, "alice", &due)
	if err := s.InTx(ctx, func(tx *Tx) error { _, err := tx.Credit(ctx, id, 300); return err }); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountDue(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("expected one due claim, got %d err=%v", n, err)
	}
	in := ChargeInput{ClaimID: id, Cost: 200, ExpectedDue: due, NextDue: due.Add(time.Hour), Now: now}
	var first, second bool
	_ = s.InTx(ctx, func(tx *Tx) error {
		_, first, err = tx.ChargeUpkeep(ctx, in)
		return err
	})
	_ = s.InTx(ctx, func(tx *Tx) error {
		_, second, err = tx.ChargeUpkeep(ctx, in)
		return err
	})
	if !first || second {
		t.Fatalf("expected exactly one charge, first=%v second=%v", first, second)
	}
	b, err := s.Bank(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b.Balance != 100 || b.NextUpkeepDue == nil || !b.NextUpkeepDue.Equal(due.Add(time.Hour)) {
		t.Fatalf("unexpected bank after charge: %+v", b)
	}
}

func TestGraceTransitions(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	due := time.Unix(1_000, 0).UTC()
	now := due.Add(time.Second)
	id := seedClaim(t, s, "alice", &due, model.ChunkPos{World: "world", X: 0, Z: 0})

	var entered bool
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		entered, err = tx.EnterGrace(ctx, id, due, now, 100)
		return err
	})
	if err != nil || !entered {
		t.Fatalf("expected grace entry, entered=%v err=%v", entered, err)
	}
	b, _ := s.Bank(ctx, id)
	if !b.InGrace() || b.NextUpkeepDue != nil {
		t.Fatalf("grace and due must be exclusive: %+v", b)
	}

	q := GraceQuery{ExpiredBefore: now.Add(-time.Hour), IncludeExpired: true}
	if n, _ := s.CountGraceCandidates(ctx, q); n != 0 {
		t.Fatalf("unfunded, unexpired claim must not be a candidate, got %d", n)
	}
	if err := s.InTx(ctx, func(tx *Tx) error { _, err := tx.Credit(ctx, id, 100); return err }); err != nil {
		t.Fatal(err)
	}
	rows, err := s.GraceCandidates(ctx, q, 10)
	if err != nil || len(rows) != 1 || rows[0].ChunkCount != 1 {
		t.Fatalf("expected funded candidate with one chunk, rows=%+v err=%v", rows, err)
	}

	var recovered bool
	err = s.InTx(ctx, func(tx *Tx) error {
		var err error
		_, recovered, err = tx.Recover(ctx, RecoverInput{ClaimID: id, GraceStart: now, Cost: 100, Now: now, NextDue: now.Add(time.Hour)})
		return err
	})
	if err != nil || !recovered {
		t.Fatalf("expected recovery, got %v err=%v", recovered, err)
	}
	b, _ = s.Bank(ctx, id)
	if b.InGrace() || b.Balance != 0 || b.NextUpkeepDue == nil {
		t.Fatalf("unexpected bank after recovery: %+v", b)
	}
}

func TestPoolAndAssigned(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id := seedClaim(t, s, "alice", nil)
	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.AddPoolPurchased(ctx, "alice", 3); err != nil {
			return err
		}
		if err := tx.AddPoolPurchased(ctx, "alice", 2); err != nil {
			return err
		}
		return tx.AddCapacity(ctx, id, 2, 0, 2)
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Pool(ctx, "alice")
	if err != nil || p.PurchasedChunks != 5 {
		t.Fatalf("expected pool of 5, got %+v err=%v", p, err)
	}
	assigned, err := s.AssignedChunks(ctx, "alice")
	if err != nil || assigned != 2 {
		t.Fatalf("expected 2 assigned, got %d err=%v", assigned, err)
	}
	if p.Available(assigned) != 3 {
		t.Fatalf("expected 3 available")
	}
}

func TestDeleteClaimRemovesEverything(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	pos := model.ChunkPos{World: "world", X: 4, Z: 4}
	id := seedClaim(t, s, "alice", nil, pos)
	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.AppendTransaction(ctx, model.BankTransaction{ID: "t1", ClaimID: id, Kind: model.TxDeposit, Amount: 5, Balance: 5, CreatedAt: time.Unix(5, 0)})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InTx(ctx, func(tx *Tx) error { return tx.DeleteClaim(ctx, id) }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ClaimByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected claim gone, got %v", err)
	}
	if _, err := s.ClaimAt(ctx, pos); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected chunk gone, got %v", err)
	}
	txs, err := s.Transactions(ctx, id, 0, 10)
	if err != nil || len(txs) != 0 {
		t.Fatalf("expected ledger gone, got %d err=%v", len(txs), err)
	}
}

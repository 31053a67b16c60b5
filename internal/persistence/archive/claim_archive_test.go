package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/persistence/ledgerlog"
)

func TestArchiveClaimLedger_WritesLedgerAndMeta(t *testing.T) {
	dir := t.TempDir()
	c := &model.Claim{ID: 7, Owner: "alice", World: "world", TotalChunks: 10,
		Chunks: map[model.ChunkPos]struct{}{{World: "world", X: 1, Z: 1}: {}}}
	txs := []model.BankTransaction{
		{ID: "t1", ClaimID: 7, Kind: model.TxDeposit, Amount: 300, Balance: 300},
		{ID: "t2", ClaimID: 7, Kind: model.TxUpkeep, Amount: -100, Balance: 200},
	}

	path, err := ArchiveClaimLedger(dir, Input{
		Claim:  c,
		Bank:   model.ClaimBank{ClaimID: 7, Balance: 200},
		Ledger: txs,
		Reason: "deleted",
		Now:    time.Unix(1_700_000_000, 0),
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(path, filepath.Join(dir, "claim_000007")) {
		t.Fatalf("unexpected path %s", path)
	}

	got, err := ledgerlog.ReadFile(path)
	if err != nil {
		t.Fatalf("read archived ledger: %v", err)
	}
	if len(got) != 2 || got[1].ID != "t2" {
		t.Fatalf("archived ledger mismatch: %+v", got)
	}

	b, err := os.ReadFile(strings.TrimSuffix(path, ".jsonl.zst") + ".meta.json")
	if err != nil {
		t.Fatalf("expected meta to exist: %v", err)
	}
	var meta ClaimArchiveMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Transactions != 2 || meta.FinalBalance != 200 || meta.Chunks != 1 || meta.Reason != "deleted" {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestArchiveClaimLedger_EmptyLedger(t *testing.T) {
	path, err := ArchiveClaimLedger(t.TempDir(), Input{Claim: &model.Claim{ID: 1}, Now: time.Unix(1, 0)})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, err := ledgerlog.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty ledger, got %d", len(got))
	}
}

func TestArchiveClaimLedger_NilClaim(t *testing.T) {
	if _, err := ArchiveClaimLedger(t.TempDir(), Input{}); err == nil {
		t.Fatalf("expected an error for a nil claim")
	}
}

// Package archive keeps a deleted claim's ledger history on disk before the store drops it.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"chunkclaims.ai/internal/claims/model"
)

type ClaimArchiveMeta struct {
	ClaimID      int64       `json:"claim_id"`
	Owner        string      `json:"owner"`
	World        string      `json:"world"`
	Reason       string      `json:"reason"`
	Chunks       int         `json:"chunks"`
	TotalChunks  int         `json:"total_chunks"`
	FinalBalance model.Money `json:"final_balance"`
	Transactions int         `json:"transactions"`
	Ledger       string      `json:"ledger"`
	CreatedAt    string      `json:"created_at"`
}

type Input struct {
	Claim  *model.Claim
	Bank   model.ClaimBank
	Ledger []model.BankTransaction
	Reason string
	Now    time.Time
}

// ArchiveClaimLedger writes the ledger to `dir/claim_<id>/<unix>.jsonl.zst` with a meta.json
// beside it and returns the ledger path. Archiving the same claim twice keeps both copies.
func ArchiveClaimLedger(dir string, in Input) (string, error) {
	if in.Claim == nil {
		return "", fmt.Errorf("archive: nil claim")
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	claimDir := filepath.Join(dir, fmt.Sprintf("claim_%06d", in.Claim.ID))
	if err := os.MkdirAll(claimDir, 0o755); err != nil {
		return "", err
	}
	stamp := in.Now.UTC().UnixMilli()
	dst := filepath.Join(claimDir, fmt.Sprintf("%d.jsonl.zst", stamp))
	if err := writeLedger(dst, in.Ledger); err != nil {
		return "", err
	}

	meta := ClaimArchiveMeta{
		ClaimID:      in.Claim.ID,
		Owner:        in.Claim.Owner,
		World:        in.Claim.World,
		Reason:       in.Reason,
		Chunks:       in.Claim.ChunkCount(),
		TotalChunks:  in.Claim.TotalChunks,
		FinalBalance: in.Bank.Balance,
		Transactions: len(in.Ledger),
		Ledger:       filepath.Base(dst),
		CreatedAt:    in.Now.UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(claimDir, fmt.Sprintf("%d.meta.json", stamp)), b, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

func writeLedger(path string, txs []model.BankTransaction) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(enc)
	je := json.NewEncoder(w)
	for _, tx := range txs {
		if err := je.Encode(tx); err != nil {
			_ = enc.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

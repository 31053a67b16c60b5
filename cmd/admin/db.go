package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"chunkclaims.ai/internal/persistence/ledgerlog"
	"chunkclaims.ai/internal/persistence/store"
)

func cmdLedger() *cobra.Command {
	var claimID int64
	cmd := &cobra.Command{
		Use:   "ledger <file>",
		Short: "Decode a ledger mirror or archive file (.jsonl.zst) as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txs, err := ledgerlog.ReadFile(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, tx := range txs {
				if claimID != 0 && tx.ClaimID != claimID {
					continue
				}
				if err := enc.Encode(tx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&claimID, "claim", 0, "only print entries for this claim")
	return cmd
}

// cmdDB reads a sqlite store directly, for use while the server is down.
func cmdDB() *cobra.Command {
	var (
		dbPath string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "db <claims OWNER|grace>",
		Short: "Query a sqlite claim store offline",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.OpenSQLite(dbPath, nil)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer s.Close()
			return queryDB(cmd, s, args, limit)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "./data/claims.sqlite", "sqlite db path")
	cmd.Flags().IntVar(&limit, "limit", 20, "result limit")
	return cmd
}

func queryDB(cmd *cobra.Command, s *store.Store, args []string, limit int) error {
	out := cmd.OutOrStdout()
	if limit <= 0 {
		limit = 20
	}
	switch strings.TrimSpace(args[0]) {
	case "claims":
		if len(args) < 2 {
			return fmt.Errorf("claims needs an owner")
		}
		claims, err := s.ClaimsByOwner(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		for _, c := range claims {
			if err := writeRow(out, map[string]any{
				"id":     c.ID,
				"world":  c.World,
				"name":   c.Name,
				"chunks": c.ChunkCount(),
				"total":  c.TotalChunks,
				"order":  c.ClaimOrder,
			}); err != nil {
				return err
			}
		}
		return nil
	case "grace":
		rows, err := s.InGrace(cmd.Context(), 0, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := writeRow(out, map[string]any{
				"id":          r.Claim.ID,
				"owner":       r.Claim.Owner,
				"chunks":      r.ChunkCount,
				"balance":     r.Bank.Balance,
				"amount_due":  r.Bank.GraceAmountDue,
				"grace_start": r.Bank.GracePeriodStart,
			}); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown query %q (want claims|grace)", args[0])
	}
}

func writeRow(w io.Writer, row map[string]any) error {
	b, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// call sends one admin request and prints the response body. Non-2xx responses are errors.
func call(cmd *cobra.Command, method, path string, body any, timeout time.Duration) error {
	base, _ := cmd.Flags().GetString("url")
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func parseClaimID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid claim id %q", s)
	}
	return id, nil
}

func cmdClaim() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Show a claim with its bank and merge candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			return call(cmd, http.MethodGet, fmt.Sprintf("/admin/v1/claims/%d", id), nil, 5*time.Second)
		},
	}
}

func cmdHistory() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "List a claim's bank transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/admin/v1/claims/%d/ledger?offset=%d&limit=%d", id, offset, limit)
			return call(cmd, http.MethodGet, path, nil, 5*time.Second)
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "rows to return (max 500)")
	return cmd
}

func cmdDeposit() *cobra.Command {
	var (
		amount int64
		actor  string
		memo   string
	)
	cmd := &cobra.Command{
		Use:   "deposit <id>",
		Short: "Credit a claim bank without touching any wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			body := map[string]any{"actor": actor, "amount_cents": amount}
			if memo != "" {
				body["memo"] = memo
			}
			return call(cmd, http.MethodPost, fmt.Sprintf("/admin/v1/claims/%d/deposit", id), body, 10*time.Second)
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in cents")
	cmd.Flags().StringVar(&actor, "actor", "admin", "actor recorded on the ledger entry")
	cmd.Flags().StringVar(&memo, "memo", "", "ledger memo")
	return cmd
}

func cmdSweep() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run an upkeep sweep now and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/admin/v1/upkeep/sweep", nil, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "client timeout")
	return cmd
}

func cmdIndex() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Show ownership index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/admin/v1/index", nil, 5*time.Second)
		},
	}
}

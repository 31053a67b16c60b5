package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chunkclaims.ai/internal/claims/claimstest"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/persistence/ledgerlog"
	"chunkclaims.ai/internal/runtime/clock"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHTTPCommands(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.RequestURI()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if strings.HasSuffix(r.URL.Path, "/404") {
			http.Error(rw, `{"ok":false}`, http.StatusNotFound)
			return
		}
		_, _ = rw.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--url", srv.URL, "claim", "7")
	if err != nil || gotMethod != http.MethodGet || gotPath != "/admin/v1/claims/7" || !strings.Contains(out, `"ok":true`) {
		t.Fatalf("claim: err=%v %s %s out=%q", err, gotMethod, gotPath, out)
	}
	if _, err := execute(t, "--url", srv.URL, "sweep"); err != nil || gotMethod != http.MethodPost || gotPath != "/admin/v1/upkeep/sweep" {
		t.Fatalf("sweep: err=%v %s %s", err, gotMethod, gotPath)
	}
	if _, err := execute(t, "--url", srv.URL, "history", "3", "--limit", "5"); err != nil || gotPath != "/admin/v1/claims/3/ledger?offset=0&limit=5" {
		t.Fatalf("history: err=%v %s", err, gotPath)
	}
	if _, err := execute(t, "--url", srv.URL, "deposit", "3", "--amount", "250", "--memo", "grant"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !strings.Contains(gotBody, `"amount_cents":250`) || !strings.Contains(gotBody, `"memo":"grant"`) {
		t.Fatalf("deposit body %s", gotBody)
	}
	if _, err := execute(t, "--url", srv.URL, "deposit", "3"); err == nil {
		t.Fatalf("expected missing amount to fail")
	}
	if _, err := execute(t, "--url", srv.URL, "claim", "abc"); err == nil {
		t.Fatalf("expected bad id to fail")
	}
	if _, err := execute(t, "--url", srv.URL+"/x", "claim", "404"); err == nil {
		t.Fatalf("expected non-2xx to fail")
	}
}

func TestLedgerCommandDecodesMirror(t *testing.T) {
	dir := t.TempDir()
	l := ledgerlog.New(dir, clock.NewManual(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)))
	for i, id := range []int64{1, 2, 1} {
		if err := l.Append(model.BankTransaction{ID: string(rune('a' + i)), ClaimID: id, Kind: model.TxDeposit, Amount: 100}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	path := l.Path()
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := execute(t, "ledger", path, "--claim", "1")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if n := strings.Count(strings.TrimSpace(out), "\n") + 1; n != 2 {
		t.Fatalf("expected 2 entries for claim 1, got %d: %s", n, out)
	}
}

func TestDBCommands(t *testing.T) {
	s := claimstest.OpenStore(t)
	claimstest.SeedClaim(t, s, claimstest.ClaimSeed{Owner: "alice", Chunks: []model.ChunkPos{claimstest.Pos(0, 0)}})

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetContext(context.Background())
	if err := queryDB(root, s, []string{"claims", "alice"}, 10); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if !strings.Contains(out.String(), `"chunks":1`) {
		t.Fatalf("unexpected output %q", out.String())
	}
	if err := queryDB(root, s, []string{"grace"}, 10); err != nil {
		t.Fatalf("grace: %v", err)
	}
	if err := queryDB(root, s, []string{"claims"}, 10); err == nil {
		t.Fatalf("expected missing owner to fail")
	}
	if err := queryDB(root, s, []string{"bogus"}, 10); err == nil {
		t.Fatalf("expected unknown query to fail")
	}
}

// Package admin serves the operator HTTP API. Every route is loopback only unless configured otherwise.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"chunkclaims.ai/internal/claims/bank"
	"chunkclaims.ai/internal/claims/index"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/claims/ownership"
	"chunkclaims.ai/internal/claims/purchase"
	"chunkclaims.ai/internal/claims/upkeep"
	"chunkclaims.ai/internal/persistence/store"
)

const maxBody = 64 * 1024

type ClaimReader interface {
	ClaimByID(ctx context.Context, id int64) (*model.Claim, error)
}

type Bank interface {
	Balance(ctx context.Context, claimID int64) (model.ClaimBank, error)
	History(ctx context.Context, claimID int64, offset, limit int) ([]model.BankTransaction, error)
	Deposit(ctx context.Context, in bank.Input) bank.Result
}

type Purchaser interface {
	Purchase(ctx context.Context, req purchase.Request) purchase.Result
	BuyPool(ctx context.Context, req purchase.Request) purchase.Result
	Allocate(ctx context.Context, req purchase.AllocRequest) purchase.AllocResult
}

type Ownership interface {
	MergeCandidates(ctx context.Context, claimID int64) ([]int64, error)
	Merge(ctx context.Context, req ownership.MergeRequest) ownership.ClaimResult
	DeleteClaim(ctx context.Context, req ownership.DeleteRequest) ownership.ClaimResult
}

type Sweeper interface {
	Sweep(ctx context.Context) (upkeep.SweepReport, error)
}

type IndexStats interface {
	Stats() index.Stats
}

type Deps struct {
	Claims    ClaimReader
	Bank      Bank
	Purchaser Purchaser
	Ownership Ownership
	Sweeper   Sweeper
	Index     IndexStats
	Logger    *zap.Logger
}

type Config struct {
	AllowRemote bool
	// Operator is the actor recorded on ledger entries made through the API.
	Operator string
	Timeout  time.Duration
}

type Server struct {
	d       Deps
	cfg     Config
	log     *zap.Logger
	schemas *schemas
}

func NewServer(d Deps, cfg Config) (*Server, error) {
	if d.Claims == nil || d.Bank == nil {
		return nil, fmt.Errorf("admin: claims and bank are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if cfg.Operator == "" {
		cfg.Operator = "admin"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{d: d, cfg: cfg, log: d.Logger, schemas: sc}, nil
}

// Register mounts the API on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/v1/claims/{id}", s.guard(s.getClaim))
	mux.HandleFunc("DELETE /admin/v1/claims/{id}", s.guard(s.deleteClaim))
	mux.HandleFunc("GET /admin/v1/claims/{id}/ledger", s.guard(s.getLedger))
	mux.HandleFunc("POST /admin/v1/claims/{id}/deposit", s.guard(s.deposit))
	mux.HandleFunc("POST /admin/v1/claims/{id}/merge", s.guard(s.merge))
	mux.HandleFunc("POST /admin/v1/allocate", s.guard(s.allocate))
	mux.HandleFunc("POST /admin/v1/purchase", s.guard(s.purchase))
	mux.HandleFunc("POST /admin/v1/upkeep/sweep", s.guard(s.sweep))
	mux.HandleFunc("GET /admin/v1/index", s.guard(s.indexStats))
}

type handler func(rw http.ResponseWriter, r *http.Request) error

type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string { return e.msg }

func fail(code int, format string, args ...any) error {
	return &httpError{code: code, msg: fmt.Sprintf(format, args...)}
}

func (s *Server) guard(h handler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.cfg.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		rw.Header().Set("X-Request-Id", reqID)
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
		defer cancel()

		err := h(rw, r.WithContext(ctx))
		if err == nil {
			return
		}
		var he *httpError
		if !errors.As(err, &he) {
			s.log.Error("admin request failed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			he = &httpError{code: http.StatusInternalServerError, msg: "internal error"}
		}
		writeJSON(rw, he.code, map[string]any{"ok": false, "error": he.msg, "request_id": reqID})
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func claimID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fail(http.StatusBadRequest, "invalid claim id %q", r.PathValue("id"))
	}
	return id, nil
}

// decode validates the body against sc before unmarshaling it into dst.
func decode(r *http.Request, sc *jsonschema.Schema, dst any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return fail(http.StatusBadRequest, "read body: %v", err)
	}
	if len(b) > maxBody {
		return fail(http.StatusRequestEntityTooLarge, "body too large")
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fail(http.StatusBadRequest, "invalid json: %v", err)
	}
	if err := sc.Validate(doc); err != nil {
		return fail(http.StatusBadRequest, "invalid request: %v", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fail(http.StatusBadRequest, "invalid request: %v", err)
	}
	return nil
}

type claimView struct {
	ID              int64            `json:"id"`
	Owner           string           `json:"owner"`
	World           string           `json:"world"`
	Name            string           `json:"name,omitempty"`
	Chunks          []model.ChunkPos `json:"chunks"`
	TotalChunks     int              `json:"total_chunks"`
	PurchasedChunks int              `json:"purchased_chunks"`
	AllocatedChunks int              `json:"allocated_chunks"`
	ClaimOrder      int              `json:"claim_order"`
	CapacityProfile string           `json:"capacity_profile"`
	Settings        model.Settings   `json:"settings"`
	CreatedAt       time.Time        `json:"created_at"`
}

func viewOf(c *model.Claim) claimView {
	return claimView{
		ID:              c.ID,
		Owner:           c.Owner,
		World:           c.World,
		Name:            c.Name,
		Chunks:          c.SortedChunks(),
		TotalChunks:     c.TotalChunks,
		PurchasedChunks: c.PurchasedChunks,
		AllocatedChunks: c.AllocatedChunks,
		ClaimOrder:      c.ClaimOrder,
		CapacityProfile: c.CapacityProfile,
		Settings:        c.Settings,
		CreatedAt:       c.CreatedAt,
	}
}

type bankView struct {
	Balance          model.Money `json:"balance_cents"`
	NextUpkeepDue    *time.Time  `json:"next_upkeep_due,omitempty"`
	GracePeriodStart *time.Time  `json:"grace_period_start,omitempty"`
	GraceAmountDue   model.Money `json:"grace_amount_due_cents,omitempty"`
	LastUpkeepAt     *time.Time  `json:"last_upkeep_at,omitempty"`
}

func (s *Server) loadClaim(ctx context.Context, id int64) (*model.Claim, error) {
	c, err := s.d.Claims.ClaimByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fail(http.StatusNotFound, "claim %d not found", id)
	}
	return c, err
}

func (s *Server) getClaim(rw http.ResponseWriter, r *http.Request) error {
	id, err := claimID(r)
	if err != nil {
		return err
	}
	c, err := s.loadClaim(r.Context(), id)
	if err != nil {
		return err
	}
	b, err := s.d.Bank.Balance(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	resp := struct {
		Claim           claimView `json:"claim"`
		Bank            bankView  `json:"bank"`
		MergeCandidates []int64   `json:"merge_candidates,omitempty"`
	}{
		Claim: viewOf(c),
		Bank: bankView{
			Balance:          b.Balance,
			NextUpkeepDue:    b.NextUpkeepDue,
			GracePeriodStart: b.GracePeriodStart,
			GraceAmountDue:   b.GraceAmountDue,
			LastUpkeepAt:     b.LastUpkeepAt,
		},
	}
	if s.d.Ownership != nil {
		if resp.MergeCandidates, err = s.d.Ownership.MergeCandidates(r.Context(), id); err != nil {
			return err
		}
	}
	writeJSON(rw, http.StatusOK, resp)
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fail(http.StatusBadRequest, "invalid %s %q", key, v)
	}
	return n, nil
}

func (s *Server) getLedger(rw http.ResponseWriter, r *http.Request) error {
	id, err := claimID(r)
	if err != nil {
		return err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return err
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		return err
	}
	if limit == 0 || limit > 500 {
		limit = 500
	}
	if _, err := s.loadClaim(r.Context(), id); err != nil {
		return err
	}
	txs, err := s.d.Bank.History(r.Context(), id, offset, limit)
	if err != nil {
		return err
	}
	if txs == nil {
		txs = []model.BankTransaction{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"claim_id": id, "offset": offset, "transactions": txs})
	return nil
}

func bankCode(st bank.Status) int {
	switch st {
	case bank.Success:
		return http.StatusOK
	case bank.InvalidAmount:
		return http.StatusBadRequest
	case bank.UnknownClaim:
		return http.StatusNotFound
	case bank.NotOwner:
		return http.StatusForbidden
	case bank.DatabaseError:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func (s *Server) deposit(rw http.ResponseWriter, r *http.Request) error {
	id, err := claimID(r)
	if err != nil {
		return err
	}
	var body struct {
		Actor  string      `json:"actor"`
		Amount model.Money `json:"amount_cents"`
		Memo   string      `json:"memo"`
	}
	if err := decode(r, s.schemas.deposit, &body); err != nil {
		return err
	}
	res := s.d.Bank.Deposit(r.Context(), bank.Input{ClaimID: id, Actor: body.Actor, Amount: body.Amount, Memo: body.Memo, Admin: true})
	writeJSON(rw, bankCode(res.Status), res)
	return nil
}

func allocCode(st purchase.AllocStatus) int {
	switch st {
	case purchase.AllocSuccess:
		return http.StatusOK
	case purchase.AllocInvalidAmount:
		return http.StatusBadRequest
	case purchase.AllocUnknownClaim:
		return http.StatusNotFound
	case purchase.AllocNotOwner:
		return http.StatusForbidden
	case purchase.AllocDatabaseError:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func (s *Server) allocate(rw http.ResponseWriter, r *http.Request) error {
	if s.d.Purchaser == nil {
		return fail(http.StatusNotImplemented, "purchasing disabled")
	}
	var body struct {
		Player  string `json:"player"`
		ClaimID int64  `json:"claim_id"`
		Amount  int    `json:"amount"`
	}
	if err := decode(r, s.schemas.allocate, &body); err != nil {
		return err
	}
	res := s.d.Purchaser.Allocate(r.Context(), purchase.AllocRequest{
		Player: body.Player, ClaimID: body.ClaimID, Amount: body.Amount, Admin: true,
	})
	writeJSON(rw, allocCode(res.Status), res)
	return nil
}

func purchaseCode(st purchase.Status) int {
	switch st {
	case purchase.Success:
		return http.StatusOK
	case purchase.InvalidAmount:
		return http.StatusBadRequest
	case purchase.UnknownClaim:
		return http.StatusNotFound
	case purchase.NotOwner:
		return http.StatusForbidden
	case purchase.EconomyUnavailable, purchase.NotReady:
		return http.StatusServiceUnavailable
	case purchase.DatabaseError:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func (s *Server) purchase(rw http.ResponseWriter, r *http.Request) error {
	if s.d.Purchaser == nil {
		return fail(http.StatusNotImplemented, "purchasing disabled")
	}
	var body struct {
		RequestID string        `json:"request_id"`
		Player    string        `json:"player"`
		ClaimID   int64         `json:"claim_id"`
		Amount    int           `json:"amount"`
		Kind      purchase.Kind `json:"kind"`
	}
	if err := decode(r, s.schemas.purchase, &body); err != nil {
		return err
	}
	req := purchase.Request{RequestID: body.RequestID, Player: body.Player, ClaimID: body.ClaimID, Amount: body.Amount, Admin: true}
	var res purchase.Result
	if body.Kind == purchase.KindPool {
		res = s.d.Purchaser.BuyPool(r.Context(), req)
	} else {
		res = s.d.Purchaser.Purchase(r.Context(), req)
	}
	writeJSON(rw, purchaseCode(res.Status), res)
	return nil
}

func claimCode(st ownership.ClaimStatus) int {
	switch {
	case st.Ok():
		return http.StatusOK
	case st == ownership.InvalidRequest:
		return http.StatusBadRequest
	case st == ownership.UnknownClaim:
		return http.StatusNotFound
	case st == ownership.NotOwner:
		return http.StatusForbidden
	case st == ownership.DatabaseError:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func (s *Server) merge(rw http.ResponseWriter, r *http.Request) error {
	if s.d.Ownership == nil {
		return fail(http.StatusNotImplemented, "ownership disabled")
	}
	id, err := claimID(r)
	if err != nil {
		return err
	}
	var body struct {
		SourceID int64 `json:"source_id"`
	}
	if err := decode(r, s.schemas.merge, &body); err != nil {
		return err
	}
	res := s.d.Ownership.Merge(r.Context(), ownership.MergeRequest{Player: s.cfg.Operator, TargetID: id, SourceID: body.SourceID, Admin: true})
	writeJSON(rw, claimCode(res.Status), res)
	return nil
}

func (s *Server) deleteClaim(rw http.ResponseWriter, r *http.Request) error {
	if s.d.Ownership == nil {
		return fail(http.StatusNotImplemented, "ownership disabled")
	}
	id, err := claimID(r)
	if err != nil {
		return err
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "deleted by " + s.cfg.Operator
	}
	res := s.d.Ownership.DeleteClaim(r.Context(), ownership.DeleteRequest{Player: s.cfg.Operator, ClaimID: id, Admin: true, Reason: reason})
	writeJSON(rw, claimCode(res.Status), res)
	return nil
}

func (s *Server) sweep(rw http.ResponseWriter, r *http.Request) error {
	if s.d.Sweeper == nil {
		return fail(http.StatusNotImplemented, "upkeep disabled")
	}
	// A sweep runs to completion even when the client goes away.
	rep, err := s.d.Sweeper.Sweep(context.WithoutCancel(r.Context()))
	if errors.Is(err, upkeep.ErrSweepRunning) {
		return fail(http.StatusConflict, "a sweep is already running")
	}
	if err != nil {
		return err
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "report": rep})
	return nil
}

func (s *Server) indexStats(rw http.ResponseWriter, r *http.Request) error {
	if s.d.Index == nil {
		return fail(http.StatusNotImplemented, "index disabled")
	}
	writeJSON(rw, http.StatusOK, s.d.Index.Stats())
	return nil
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

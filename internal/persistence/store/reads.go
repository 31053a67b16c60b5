package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chunkclaims.ai/internal/claims/model"
)

const claimColumns = `c.id, c.owner, c.world, c.name, c.total_chunks, c.purchased_chunks, c.allocated_chunks,
	c.claim_order, c.capacity_profile, c.settings_json, c.profiles_json, c.upkeep_discount, c.created_at`

const bankColumns = `b.claim_id, b.balance, b.next_upkeep_due, b.grace_started_at, b.grace_amount_due, b.last_upkeep_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanClaim(sc scanner, extra ...any) (*model.Claim, error) {
	var (
		c            model.Claim
		settingsJSON string
		profilesJSON string
		createdAt    int64
	)
	dest := []any{
		&c.ID, &c.Owner, &c.World, &c.Name, &c.TotalChunks, &c.PurchasedChunks, &c.AllocatedChunks,
		&c.ClaimOrder, &c.CapacityProfile, &settingsJSON, &profilesJSON, &c.UpkeepDiscount, &createdAt,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.Settings = model.DefaultSettings()
	if settingsJSON != "" {
		if err := json.Unmarshal([]byte(settingsJSON), &c.Settings); err != nil {
			return nil, fmt.Errorf("claim %d settings: %w", c.ID, err)
		}
	}
	if profilesJSON != "" && profilesJSON != "{}" {
		if err := json.Unmarshal([]byte(profilesJSON), &c.Profiles); err != nil {
			return nil, fmt.Errorf("claim %d profiles: %w", c.ID, err)
		}
	}
	c.CreatedAt = fromMillis(createdAt)
	c.Chunks = map[model.ChunkPos]struct{}{}
	return &c, nil
}

func scanBank(sc scanner, extra ...any) (model.ClaimBank, error) {
	var (
		b                  model.ClaimBank
		balance, amountDue int64
		due, grace, last   sql.NullInt64
	)
	dest := []any{&b.ClaimID, &balance, &due, &grace, &amountDue, &last}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return b, err
	}
	b.Balance = model.Money(balance)
	b.GraceAmountDue = model.Money(amountDue)
	b.NextUpkeepDue = fromNullMillis(due)
	b.GracePeriodStart = fromNullMillis(grace)
	b.LastUpkeepAt = fromNullMillis(last)
	return b, nil
}

func (r reader) LoadAllClaims(ctx context.Context) ([]*model.Claim, error) {
	rows, err := r.query(ctx, `SELECT `+claimColumns+` FROM claims c ORDER BY c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadAllChunks returns every claimed chunk in one query.
func (r reader) LoadAllChunks(ctx context.Context) ([]model.ClaimedChunk, error) {
	rows, err := r.query(ctx, `SELECT world, x, z, claim_id FROM claim_chunks ORDER BY claim_id, world, x, z`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ClaimedChunk
	for rows.Next() {
		var cc model.ClaimedChunk
		if err := rows.Scan(&cc.Pos.World, &cc.Pos.X, &cc.Pos.Z, &cc.ClaimID); err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

func (r reader) CountClaims(ctx context.Context) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM claims`).Scan(&n)
	return n, err
}

func (r reader) ClaimByID(ctx context.Context, id int64) (*model.Claim, error) {
	c, err := scanClaim(r.queryRow(ctx, `SELECT `+claimColumns+` FROM claims c WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	chunks, err := r.ClaimChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, p := range chunks {
		c.Chunks[p] = struct{}{}
	}
	return c, nil
}

func (r reader) ClaimsByOwner(ctx context.Context, owner string) ([]*model.Claim, error) {
	rows, err := r.query(ctx, `SELECT `+claimColumns+` FROM claims c WHERE c.owner = ? ORDER BY c.claim_order, c.id`, owner)
	if err != nil {
		return nil, err
	}
	var out []*model.Claim
	byID := map[int64]*model.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return nil, nil
	}

	chunkRows, err := r.query(ctx, `SELECT k.world, k.x, k.z, k.claim_id FROM claim_chunks k
		JOIN claims c ON c.id = k.claim_id WHERE c.owner = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer chunkRows.Close()
	for chunkRows.Next() {
		var p model.ChunkPos
		var claimID int64
		if err := chunkRows.Scan(&p.World, &p.X, &p.Z, &claimID); err != nil {
			return nil, err
		}
		if c := byID[claimID]; c != nil {
			c.Chunks[p] = struct{}{}
		}
	}
	return out, chunkRows.Err()
}

func (r reader) ClaimChunks(ctx context.Context, claimID int64) ([]model.ChunkPos, error) {
	rows, err := r.query(ctx, `SELECT world, x, z FROM claim_chunks WHERE claim_id = ? ORDER BY world, x, z`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ChunkPos
	for rows.Next() {
		var p model.ChunkPos
		if err := rows.Scan(&p.World, &p.X, &p.Z); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r reader) ClaimAt(ctx context.Context, pos model.ChunkPos) (int64, error) {
	var id int64
	err := r.queryRow(ctx, `SELECT claim_id FROM claim_chunks WHERE world = ? AND x = ? AND z = ?`,
		pos.World, pos.X, pos.Z).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r reader) CountClaimsByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM claims WHERE owner = ?`, owner).Scan(&n)
	return n, err
}

func (r reader) Bank(ctx context.Context, claimID int64) (model.ClaimBank, error) {
	b, err := scanBank(r.queryRow(ctx, `SELECT `+bankColumns+` FROM claim_banks b WHERE b.claim_id = ?`, claimID))
	if errors.Is(err, sql.ErrNoRows) {
		return b, fmt.Errorf("bank %d: %w", claimID, ErrNotFound)
	}
	return b, err
}

// Pool returns the player's chunk pool; a player who never bought has an empty pool.
func (r reader) Pool(ctx context.Context, player string) (model.PlayerChunkPool, error) {
	p := model.PlayerChunkPool{Player: player}
	err := r.queryRow(ctx, `SELECT purchased_chunks FROM chunk_pools WHERE player = ?`, player).Scan(&p.PurchasedChunks)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	return p, err
}

// AssignedChunks is the pool capacity already drawn by the player's claims.
func (r reader) AssignedChunks(ctx context.Context, player string) (int, error) {
	var n sql.NullInt64
	err := r.queryRow(ctx, `SELECT SUM(purchased_chunks + allocated_chunks) FROM claims WHERE owner = ?`, player).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

// Transactions pages a claim's ledger newest first.
func (r reader) Transactions(ctx context.Context, claimID int64, offset, limit int) ([]model.BankTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.query(ctx, `SELECT id, claim_id, kind, actor, amount, balance, memo, created_at
		FROM bank_transactions WHERE claim_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		claimID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BankTransaction
	for rows.Next() {
		var (
			t               model.BankTransaction
			kind            string
			amount, balance int64
			createdAt       int64
		)
		if err := rows.Scan(&t.ID, &t.ClaimID, &kind, &t.Actor, &amount, &balance, &t.Memo, &createdAt); err != nil {
			return nil, err
		}
		t.Kind = model.TxKind(kind)
		t.Amount = model.Money(amount)
		t.Balance = model.Money(balance)
		t.CreatedAt = fromMillis(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// BillingRow is a claim's metadata with its bank, as seen by the upkeep sweep.
type BillingRow struct {
	Claim      *model.Claim // Chunks is not populated
	ChunkCount int
	Bank       model.ClaimBank
}

const billingSelect = `SELECT ` + claimColumns + `, ` + bankColumns + `,
	(SELECT COUNT(*) FROM claim_chunks k WHERE k.claim_id = c.id)
	FROM claim_banks b JOIN claims c ON c.id = b.claim_id`

func (r reader) billingRows(ctx context.Context, q string, args ...any) ([]BillingRow, error) {
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BillingRow
	for rows.Next() {
		var (
			row                BillingRow
			balance, amountDue int64
			due, grace, last   sql.NullInt64
		)
		c, err := scanClaim(rows, &row.Bank.ClaimID, &balance, &due, &grace, &amountDue, &last, &row.ChunkCount)
		if err != nil {
			return nil, err
		}
		row.Claim = c
		row.Bank.Balance = model.Money(balance)
		row.Bank.GraceAmountDue = model.Money(amountDue)
		row.Bank.NextUpkeepDue = fromNullMillis(due)
		row.Bank.GracePeriodStart = fromNullMillis(grace)
		row.Bank.LastUpkeepAt = fromNullMillis(last)
		out = append(out, row)
	}
	return out, rows.Err()
}

const dueWhere = ` WHERE b.grace_started_at IS NULL AND b.next_upkeep_due IS NOT NULL AND b.next_upkeep_due <= ?`

func (r reader) CountDue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM claim_banks b`+dueWhere, millis(now)).Scan(&n)
	return n, err
}

// DueClaims returns the first page of claims whose charge is due. Callers re-query from the start
// because a processed claim leaves the result set.
func (r reader) DueClaims(ctx context.Context, now time.Time, limit int) ([]BillingRow, error) {
	return r.billingRows(ctx, billingSelect+dueWhere+` ORDER BY b.next_upkeep_due, b.claim_id LIMIT ?`,
		millis(now), limit)
}

// GraceQuery selects claims in grace that can make progress: funded enough to recover, or
// (when IncludeExpired) past the revocation deadline.
type GraceQuery struct {
	ExpiredBefore  time.Time
	IncludeExpired bool
}

func (q GraceQuery) where() (string, []any) {
	if q.IncludeExpired {
		return ` WHERE b.grace_started_at IS NOT NULL AND (b.balance >= b.grace_amount_due OR b.grace_started_at <= ?)`,
			[]any{millis(q.ExpiredBefore)}
	}
	return ` WHERE b.grace_started_at IS NOT NULL AND b.balance >= b.grace_amount_due`, nil
}

func (r reader) CountGraceCandidates(ctx context.Context, q GraceQuery) (int, error) {
	where, args := q.where()
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM claim_banks b`+where, args...).Scan(&n)
	return n, err
}

func (r reader) GraceCandidates(ctx context.Context, q GraceQuery, limit int) ([]BillingRow, error) {
	where, args := q.where()
	args = append(args, limit)
	return r.billingRows(ctx, billingSelect+where+` ORDER BY b.grace_started_at, b.claim_id LIMIT ?`, args...)
}

// InGrace pages every claim currently in grace, for at-risk reporting.
func (r reader) InGrace(ctx context.Context, offset, limit int) ([]BillingRow, error) {
	return r.billingRows(ctx, billingSelect+` WHERE b.grace_started_at IS NOT NULL
		ORDER BY b.grace_started_at, b.claim_id LIMIT ? OFFSET ?`, limit, offset)
}

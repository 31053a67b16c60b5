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

// Tx is one unit of work. It can read its own writes.
type Tx struct {
	reader
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *Tx) InsertClaim(ctx context.Context, c *model.Claim) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("nil claim")
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return 0, err
	}
	profiles := []byte("{}")
	if len(c.Profiles) > 0 {
		if profiles, err = json.Marshal(c.Profiles); err != nil {
			return 0, err
		}
	}
	profile := c.CapacityProfile
	if profile == "" {
		profile = model.DefaultProfile
	}
	var id int64
	err = t.queryRow(ctx, `INSERT INTO claims (owner, world, name, total_chunks, purchased_chunks, allocated_chunks,
		claim_order, capacity_profile, settings_json, profiles_json, upkeep_discount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		c.Owner, c.World, c.Name, c.TotalChunks, c.PurchasedChunks, c.AllocatedChunks,
		c.ClaimOrder, profile, string(settings), string(profiles), c.UpkeepDiscount, millis(c.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert claim: %w", err)
	}
	return id, nil
}

// AddCapacity adjusts a claim's counters by the given deltas.
func (t *Tx) AddCapacity(ctx context.Context, claimID int64, total, purchased, allocated int) error {
	res, err := t.exec(ctx, `UPDATE claims SET total_chunks = total_chunks + ?, purchased_chunks = purchased_chunks + ?,
		allocated_chunks = allocated_chunks + ? WHERE id = ?`, total, purchased, allocated, claimID)
	if err != nil {
		return fmt.Errorf("update claim %d capacity: %w", claimID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("claim %d: %w", claimID, ErrNotFound)
	}
	return nil
}

func (t *Tx) UpdateSettings(ctx context.Context, claimID int64, s model.Settings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `UPDATE claims SET settings_json = ? WHERE id = ?`, string(b), claimID)
	return err
}

func (t *Tx) InsertChunk(ctx context.Context, pos model.ChunkPos, claimID int64) error {
	_, err := t.exec(ctx, `INSERT INTO claim_chunks (world, x, z, claim_id) VALUES (?, ?, ?, ?)`,
		pos.World, pos.X, pos.Z, claimID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %d,%d: %w", pos.World, pos.X, pos.Z, ErrChunkTaken)
		}
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// DeleteChunk removes pos only if claimID still owns it.
func (t *Tx) DeleteChunk(ctx context.Context, pos model.ChunkPos, claimID int64) (bool, error) {
	res, err := t.exec(ctx, `DELETE FROM claim_chunks WHERE world = ? AND x = ? AND z = ? AND claim_id = ?`,
		pos.World, pos.X, pos.Z, claimID)
	if err != nil {
		return false, fmt.Errorf("delete chunk: %w", err)
	}
	n, err := affected(res)
	return n > 0, err
}

func (t *Tx) MoveChunks(ctx context.Context, from, to int64) (int64, error) {
	res, err := t.exec(ctx, `UPDATE claim_chunks SET claim_id = ? WHERE claim_id = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("move chunks %d -> %d: %w", from, to, err)
	}
	return affected(res)
}

// DeleteClaim removes a claim with its chunks, bank and ledger.
func (t *Tx) DeleteClaim(ctx context.Context, claimID int64) error {
	stmts := []string{
		`DELETE FROM claim_chunks WHERE claim_id = ?`,
		`DELETE FROM bank_transactions WHERE claim_id = ?`,
		`DELETE FROM claim_banks WHERE claim_id = ?`,
	}
	for _, q := range stmts {
		if _, err := t.exec(ctx, q, claimID); err != nil {
			return fmt.Errorf("delete claim %d: %w", claimID, err)
		}
	}
	res, err := t.exec(ctx, `DELETE FROM claims WHERE id = ?`, claimID)
	if err != nil {
		return fmt.Errorf("delete claim %d: %w", claimID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("claim %d: %w", claimID, ErrNotFound)
	}
	return nil
}

func (t *Tx) AddPoolPurchased(ctx context.Context, player string, n int) error {
	_, err := t.exec(ctx, `INSERT INTO chunk_pools (player, purchased_chunks) VALUES (?, ?)
		ON CONFLICT (player) DO UPDATE SET purchased_chunks = chunk_pools.purchased_chunks + excluded.purchased_chunks`,
		player, n)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", player, err)
	}
	return nil
}

// EnsureBank creates the claim's bank if it does not exist yet.
func (t *Tx) EnsureBank(ctx context.Context, claimID int64, nextDue *time.Time) error {
	_, err := t.exec(ctx, `INSERT INTO claim_banks (claim_id, balance, next_upkeep_due, grace_amount_due)
		VALUES (?, 0, ?, 0) ON CONFLICT (claim_id) DO NOTHING`, claimID, nullMillis(nextDue))
	if err != nil {
		return fmt.Errorf("ensure bank %d: %w", claimID, err)
	}
	return nil
}

func (t *Tx) Credit(ctx context.Context, claimID int64, amount model.Money) (model.Money, error) {
	var bal int64
	err := t.queryRow(ctx, `UPDATE claim_banks SET balance = balance + ? WHERE claim_id = ? RETURNING balance`,
		int64(amount), claimID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("bank %d: %w", claimID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("credit bank %d: %w", claimID, err)
	}
	return model.Money(bal), nil
}

// Debit subtracts amount only if the balance covers it. ok=false means nothing changed.
func (t *Tx) Debit(ctx context.Context, claimID int64, amount model.Money) (balance model.Money, ok bool, err error) {
	var bal int64
	err = t.queryRow(ctx, `UPDATE claim_banks SET balance = balance - ? WHERE claim_id = ? AND balance >= ? RETURNING balance`,
		int64(amount), claimID, int64(amount)).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("debit bank %d: %w", claimID, err)
	}
	return model.Money(bal), true, nil
}

func (t *Tx) AppendTransaction(ctx context.Context, e model.BankTransaction) error {
	_, err := t.exec(ctx, `INSERT INTO bank_transactions (id, claim_id, kind, actor, amount, balance, memo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ClaimID, string(e.Kind), e.Actor, int64(e.Amount), int64(e.Balance), e.Memo, millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// ChargeInput describes one upkeep charge. The update only applies while the bank is still
// in the exact state the sweep observed.
type ChargeInput struct {
	ClaimID     int64
	Cost        model.Money
	ExpectedDue time.Time
	NextDue     time.Time
	Now         time.Time
}

func (t *Tx) ChargeUpkeep(ctx context.Context, in ChargeInput) (model.Money, bool, error) {
	var bal int64
	err := t.queryRow(ctx, `UPDATE claim_banks SET balance = balance - ?, next_upkeep_due = ?, last_upkeep_at = ?
		WHERE claim_id = ? AND grace_started_at IS NULL AND next_upkeep_due = ? AND next_upkeep_due <= ? AND balance >= ?
		RETURNING balance`,
		int64(in.Cost), millis(in.NextDue), millis(in.Now),
		in.ClaimID, millis(in.ExpectedDue), millis(in.Now), int64(in.Cost),
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("charge upkeep %d: %w", in.ClaimID, err)
	}
	return model.Money(bal), true, nil
}

// EnterGrace moves a claim from scheduled to delinquent if it is still unpaid for expectedDue.
func (t *Tx) EnterGrace(ctx context.Context, claimID int64, expectedDue, now time.Time, amountDue model.Money) (bool, error) {
	res, err := t.exec(ctx, `UPDATE claim_banks SET grace_started_at = ?, grace_amount_due = ?, next_upkeep_due = NULL
		WHERE claim_id = ? AND grace_started_at IS NULL AND next_upkeep_due = ? AND balance < ?`,
		millis(now), int64(amountDue), claimID, millis(expectedDue), int64(amountDue))
	if err != nil {
		return false, fmt.Errorf("enter grace %d: %w", claimID, err)
	}
	n, err := affected(res)
	return n > 0, err
}

type RecoverInput struct {
	ClaimID    int64
	GraceStart time.Time
	Cost       model.Money
	Now        time.Time
	NextDue    time.Time
}

// Recover charges cost and clears grace in one guarded write.
func (t *Tx) Recover(ctx context.Context, in RecoverInput) (model.Money, bool, error) {
	var bal int64
	err := t.queryRow(ctx, `UPDATE claim_banks SET balance = balance - ?, grace_started_at = NULL, grace_amount_due = 0,
		next_upkeep_due = ?, last_upkeep_at = ?
		WHERE claim_id = ? AND grace_started_at = ? AND balance >= ?
		RETURNING balance`,
		int64(in.Cost), millis(in.NextDue), millis(in.Now),
		in.ClaimID, millis(in.GraceStart), int64(in.Cost),
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("recover %d: %w", in.ClaimID, err)
	}
	return model.Money(bal), true, nil
}

// ExitGrace clears grace without charging, scheduling the next charge at nextDue.
func (t *Tx) ExitGrace(ctx context.Context, claimID int64, graceStart, nextDue time.Time) (bool, error) {
	res, err := t.exec(ctx, `UPDATE claim_banks SET grace_started_at = NULL, grace_amount_due = 0, next_upkeep_due = ?
		WHERE claim_id = ? AND grace_started_at = ?`, millis(nextDue), claimID, millis(graceStart))
	if err != nil {
		return false, fmt.Errorf("exit grace %d: %w", claimID, err)
	}
	n, err := affected(res)
	return n > 0, err
}

func (t *Tx) RefreshGraceDue(ctx context.Context, claimID int64, graceStart time.Time, amountDue model.Money) error {
	_, err := t.exec(ctx, `UPDATE claim_banks SET grace_amount_due = ? WHERE claim_id = ? AND grace_started_at = ?`,
		int64(amountDue), claimID, millis(graceStart))
	if err != nil {
		return fmt.Errorf("refresh grace due %d: %w", claimID, err)
	}
	return nil
}

// Schedule sets the next charge time for a claim that is not in grace.
func (t *Tx) Schedule(ctx context.Context, claimID int64, nextDue time.Time) error {
	_, err := t.exec(ctx, `UPDATE claim_banks SET next_upkeep_due = ? WHERE claim_id = ? AND grace_started_at IS NULL`,
		millis(nextDue), claimID)
	return err
}

// LockClaim takes the claim's row lock so reads that follow in this tx cannot go stale.
func (t *Tx) LockClaim(ctx context.Context, claimID int64) error {
	res, err := t.exec(ctx, `UPDATE claims SET id = id WHERE id = ?`, claimID)
	if err != nil {
		return fmt.Errorf("lock claim %d: %w", claimID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("claim %d: %w", claimID, ErrNotFound)
	}
	return nil
}

// LockPool takes the player's pool row lock, creating an empty pool if needed.
func (t *Tx) LockPool(ctx context.Context, player string) error {
	return t.AddPoolPurchased(ctx, player, 0)
}

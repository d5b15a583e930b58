package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ForwardClear/internal/persistence"
)

// QueryService provides read-only access to the projection tables and the
// event log. All responses carry as_of_sequence, the projection watermark at
// read time, so callers can reason about freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetMarket returns projected market state.
func (qs *QueryService) GetMarket(ctx context.Context, marketID string) (*MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var m MarketResponse
	var allowedRaw []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT market_id, collateral_asset, receipt_asset, price_exponent, fee_bps,
		       base_initial_margin_bps, maintenance_margin_bps, vol_multiplier_bps,
		       last_vol_bps, paused, allowed_collateral, strategy_operator,
		       last_price, last_price_sequence
		FROM proj.markets
		WHERE market_id = $1
	`, marketID).Scan(
		&m.MarketID, &m.CollateralAsset, &m.ReceiptAsset, &m.PriceExponent, &m.FeeBps,
		&m.BaseInitialMarginBps, &m.MaintenanceMarginBps, &m.VolMultiplierBps,
		&m.LastVolBps, &m.Paused, &allowedRaw, &m.StrategyOperator,
		&m.LastPrice, &m.LastPriceSequence,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(allowedRaw, &m.AllowedCollateral); err != nil {
		return nil, fmt.Errorf("decode allowed collateral: %w", err)
	}
	m.AsOfSequence = asOfSeq
	return &m, nil
}

// GetDeal returns projected state for one deal.
func (qs *QueryService) GetDeal(ctx context.Context, marketID string, dealID int64) (*DealResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var d DealResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT market_id, deal_id, long_party, short_party, collateral_asset,
		       strike_price, quantity, remaining_quantity, settle_at, settlement_kind,
		       long_margin, short_margin, settled, frozen
		FROM proj.deals
		WHERE market_id = $1 AND deal_id = $2
	`, marketID, dealID).Scan(
		&d.MarketID, &d.DealID, &d.Long, &d.Short, &d.CollateralAsset,
		&d.StrikePrice, &d.Quantity, &d.RemainingQuantity, &d.SettleAt, &d.SettlementKind,
		&d.LongMargin, &d.ShortMargin, &d.Settled, &d.Frozen,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.AsOfSequence = asOfSeq
	return &d, nil
}

// ListDeals returns deals in a market, open first, newest first within each
// group. Settled deals are included only when includeSettled is set.
func (qs *QueryService) ListDeals(ctx context.Context, marketID string, includeSettled bool, limit int) ([]DealResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT market_id, deal_id, long_party, short_party, collateral_asset,
		       strike_price, quantity, remaining_quantity, settle_at, settlement_kind,
		       long_margin, short_margin, settled, frozen
		FROM proj.deals
		WHERE market_id = $1
	`
	if !includeSettled {
		query += " AND NOT settled"
	}
	query += " ORDER BY settled ASC, deal_id DESC LIMIT $2"

	rows, err := qs.db.QueryContext(ctx, query, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []DealResponse
	for rows.Next() {
		var d DealResponse
		d.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&d.MarketID, &d.DealID, &d.Long, &d.Short, &d.CollateralAsset,
			&d.StrikePrice, &d.Quantity, &d.RemainingQuantity, &d.SettleAt, &d.SettlementKind,
			&d.LongMargin, &d.ShortMargin, &d.Settled, &d.Frozen,
		); err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}

	return deals, rows.Err()
}

// GetBalance returns a party's funding balance for one asset, plus the
// margin currently held for them across open deals.
func (qs *QueryService) GetBalance(ctx context.Context, party uuid.UUID, asset string) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	fundingPath := fmt.Sprintf("party:%s:funding:%s", party, asset)
	balance, err := qs.getProjectedBalance(ctx, fundingPath)
	if err != nil {
		return nil, err
	}

	var marginHeld int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN long_party = $1 THEN long_margin ELSE 0 END +
			CASE WHEN short_party = $1 THEN short_margin ELSE 0 END
		), 0)
		FROM proj.deals
		WHERE (long_party = $1 OR short_party = $1)
		  AND collateral_asset = $2
		  AND NOT settled
	`, party, asset).Scan(&marginHeld)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Party:        party,
		Asset:        asset,
		Balance:      balance,
		MarginHeld:   marginHeld,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetVaultBalance returns one vault balance by its canonical path.
func (qs *QueryService) GetVaultBalance(ctx context.Context, vaultPath string) (*VaultBalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var resp VaultBalanceResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT vault_path, asset, balance FROM proj.vault_balances WHERE vault_path = $1
	`, vaultPath).Scan(&resp.VaultPath, &resp.Asset, &resp.Balance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resp.AsOfSequence = asOfSeq
	return &resp, nil
}

// GetPriceHistory returns settlement price posts for a market, newest first.
func (qs *QueryService) GetPriceHistory(ctx context.Context, marketID string, limit int, beforeSequence *int64) ([]PriceHistoryResponse, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT market_id, price, vol_bps, source_sequence, stale, sequence, timestamp
		FROM proj.settlement_prices
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []PriceHistoryResponse
	for rows.Next() {
		var h PriceHistoryResponse
		if err := rows.Scan(
			&h.MarketID, &h.Price, &h.VolBps, &h.SourceSequence,
			&h.Stale, &h.Sequence, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetEvents returns a page of the audit trail, oldest first. Filter by
// market and optionally by deal; afterSequence is the cursor.
func (qs *QueryService) GetEvents(ctx context.Context, marketID *string, dealID *int64, afterSequence int64, limit int) ([]EventResponse, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT sequence, event_type, idempotency_key, market_id, deal_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence > $1
	`
	args := []interface{}{afterSequence}
	argIdx := 2

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}
	if dealID != nil {
		query += fmt.Sprintf(" AND deal_id = $%d", argIdx)
		args = append(args, *dealID)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY sequence ASC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID, &e.DealID,
			(*[]byte)(&e.Payload), &stateHash, &prevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.StateHash = persistence.HashHex(stateHash)
		e.PrevHash = persistence.HashHex(prevHash)
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetJournalHistory returns journal entries touching a party's vaults,
// newest first, with cursor pagination.
func (qs *QueryService) GetJournalHistory(ctx context.Context, party uuid.UUID, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	accountPrefix := fmt.Sprintf("party:%s:%%", party)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_kind, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalKind, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the zero-sum invariant:
// every asset's balances, external boundaries included, must sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM proj.vault_balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset string
		var total int64
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence FROM proj.watermark WHERE id = 1
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, vaultPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM proj.vault_balances WHERE vault_path = $1
	`, vaultPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

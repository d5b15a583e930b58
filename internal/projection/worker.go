package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ForwardClear/internal/event"
)

// ProjectionOutput mirrors the slice of a core output that projections
// consume. The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	MarketID  string
	DealID    *int64
	Payload   []byte
	Timestamp time.Time
	Journals  []JournalEntry
}

// JournalEntry is a simplified journal leg for projection consumption.
// Amount always moves from CreditAccount to DebitAccount.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	Kind          string
}

// ProjectionWorker folds processed events into the proj.* read-model
// tables. The projection channel is non-blocking with drop, so this fold is
// best-effort; anything missed is recovered by rebuilding from the event
// log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *PriceHistoryProjection
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, history *PriceHistoryProjection) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and rebuildable
				// from the event log, so a failed fold is logged, not fatal.
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := pw.updateBalances(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if err := pw.applyEvent(ctx, tx, output); err != nil {
		return fmt.Errorf("%s projection: %w", output.EventType, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proj.watermark SET sequence = $1, updated_at = NOW() WHERE id = 1
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalances applies one journal leg: destination gains, source loses.
func (pw *ProjectionWorker) updateBalances(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proj.vault_balances (vault_path, asset, balance, updated_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vault_path)
		DO UPDATE SET balance = proj.vault_balances.balance + $3, updated_sequence = $4, updated_at = NOW()
	`, j.DebitAccount, j.Asset, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proj.vault_balances (vault_path, asset, balance, updated_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (vault_path)
		DO UPDATE SET balance = proj.vault_balances.balance - $3, updated_sequence = $4, updated_at = NOW()
	`, j.CreditAccount, j.Asset, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) applyEvent(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	switch output.EventType {
	case "MarketInitialized":
		var p event.MarketInitialized
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO proj.markets
				(market_id, collateral_asset, receipt_asset, price_exponent, fee_bps,
				 base_initial_margin_bps, maintenance_margin_bps, vol_multiplier_bps,
				 last_vol_bps, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (market_id) DO NOTHING
		`, output.MarketID, p.CollateralAsset, p.ReceiptAsset, p.PriceExponent, p.FeeBps,
			p.BaseInitialMarginBps, p.MaintenanceMarginBps, p.VolMultiplierBps,
			p.LastVolBps, output.Sequence)
		return err

	case "PricePosted":
		var p event.PricePosted
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		// Latest arrival wins, stale or not; the history row keeps the flag.
		if _, err := tx.ExecContext(ctx, `
			UPDATE proj.markets
			SET last_price = $2, last_price_sequence = $3, last_vol_bps = $4, updated_sequence = $5
			WHERE market_id = $1
		`, output.MarketID, p.Price, p.SourceSequence, p.VolBps, output.Sequence); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proj.settlement_prices
				(market_id, source_sequence, price, vol_bps, stale, sequence, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (market_id, sequence) DO NOTHING
		`, output.MarketID, p.SourceSequence, p.Price, p.VolBps, p.Stale,
			output.Sequence, output.Timestamp); err != nil {
			return err
		}
		if pw.history != nil {
			pw.history.AddEntry(PriceHistoryEntry{
				MarketID:       output.MarketID,
				Price:          p.Price,
				VolBps:         p.VolBps,
				SourceSequence: p.SourceSequence,
				Stale:          p.Stale,
				Sequence:       output.Sequence,
				Timestamp:      output.Timestamp,
			})
		}
		return nil

	case "CollateralAdded":
		var p event.CollateralAdded
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		if p.NoOp {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE proj.markets
			SET allowed_collateral = CASE
					WHEN allowed_collateral @> to_jsonb($2::text) THEN allowed_collateral
					ELSE allowed_collateral || to_jsonb($2::text)
				END,
				updated_sequence = $3
			WHERE market_id = $1
		`, output.MarketID, p.Asset, output.Sequence)
		return err

	case "CollateralRemoved":
		var p event.CollateralRemoved
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE proj.markets
			SET allowed_collateral = allowed_collateral - $2, updated_sequence = $3
			WHERE market_id = $1
		`, output.MarketID, p.Asset, output.Sequence)
		return err

	case "MarketPaused", "MarketUnpaused":
		_, err := tx.ExecContext(ctx, `
			UPDATE proj.markets SET paused = $2, updated_sequence = $3 WHERE market_id = $1
		`, output.MarketID, output.EventType == "MarketPaused", output.Sequence)
		return err

	case "StrategyOperatorSet":
		var p event.StrategyOperatorSet
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE proj.markets SET strategy_operator = $2, updated_sequence = $3 WHERE market_id = $1
		`, output.MarketID, p.Operator, output.Sequence)
		return err

	case "DealOpened":
		if output.DealID == nil {
			return fmt.Errorf("DealOpened without deal_id at seq=%d", output.Sequence)
		}
		var p event.DealOpened
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		kind := "cash"
		if p.Physical {
			kind = "physical"
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO proj.deals
				(market_id, deal_id, long_party, short_party, collateral_asset,
				 strike_price, quantity, remaining_quantity, settle_at, settlement_kind,
				 long_margin, short_margin, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (market_id, deal_id) DO NOTHING
		`, output.MarketID, *output.DealID, p.Long, p.Short, p.CollateralAsset,
			p.StrikePrice, p.Quantity, p.SettleAt, kind,
			p.LongMargin, p.ShortMargin, output.Sequence)
		return err

	case "MarginDeposited":
		var p event.MarginDeposited
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		return pw.updateDealMargin(ctx, tx, output, p.Long, p.NewMargin)

	case "CrossMarginMoved":
		var p event.CrossMarginMoved
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		return pw.updateDealMargin(ctx, tx, output, p.Long, p.NewMargin)

	case "DealFrozen", "DealUnfrozen":
		if output.DealID == nil {
			return fmt.Errorf("%s without deal_id at seq=%d", output.EventType, output.Sequence)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE proj.deals SET frozen = $3, updated_sequence = $4
			WHERE market_id = $1 AND deal_id = $2
		`, output.MarketID, *output.DealID, output.EventType == "DealFrozen", output.Sequence)
		return err

	case "CashSettled":
		if output.DealID == nil {
			return fmt.Errorf("CashSettled without deal_id at seq=%d", output.Sequence)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE proj.deals
			SET settled = TRUE, long_margin = 0, short_margin = 0, updated_sequence = $3
			WHERE market_id = $1 AND deal_id = $2
		`, output.MarketID, *output.DealID, output.Sequence)
		return err

	case "PhysicalSettled":
		if output.DealID == nil {
			return fmt.Errorf("PhysicalSettled without deal_id at seq=%d", output.Sequence)
		}
		var p event.PhysicalSettled
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return err
		}
		if p.Completed {
			_, err := tx.ExecContext(ctx, `
				UPDATE proj.deals
				SET settled = TRUE, remaining_quantity = 0,
				    long_margin = 0, short_margin = 0, updated_sequence = $3
				WHERE market_id = $1 AND deal_id = $2
			`, output.MarketID, *output.DealID, output.Sequence)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE proj.deals SET remaining_quantity = $3, updated_sequence = $4
			WHERE market_id = $1 AND deal_id = $2
		`, output.MarketID, *output.DealID, p.Remaining, output.Sequence)
		return err
	}

	// Remaining event types (funding credits, warehouse mints, pool and
	// yield flows) are fully represented by their journal legs.
	return nil
}

func (pw *ProjectionWorker) updateDealMargin(ctx context.Context, tx *sql.Tx, output ProjectionOutput, long bool, newMargin int64) error {
	if output.DealID == nil {
		return fmt.Errorf("%s without deal_id at seq=%d", output.EventType, output.Sequence)
	}
	column := "short_margin"
	if long {
		column = "long_margin"
	}
	query := fmt.Sprintf(`
		UPDATE proj.deals SET %s = $3, updated_sequence = $4
		WHERE market_id = $1 AND deal_id = $2
	`, column)
	_, err := tx.ExecContext(ctx, query, output.MarketID, *output.DealID, newMargin, output.Sequence)
	return err
}

// RebuildBalances rebuilds the vault balance projection from the journal.
// Market and deal projections come back through event replay instead; their
// source of truth is the event payload, not the journal.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `TRUNCATE proj.vault_balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO proj.vault_balances (vault_path, asset, balance, updated_sequence)
		SELECT vault_path,
		       MIN(asset)   AS asset,
		       SUM(delta)   AS balance,
		       MAX(sequence) AS updated_sequence
		FROM (
			SELECT debit_account AS vault_path,
			       split_part(debit_account, ':', -1) AS asset,
			       amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account AS vault_path,
			       split_part(credit_account, ':', -1) AS asset,
			       -amount AS delta, sequence
			FROM event_log.journal
		) legs
		GROUP BY vault_path
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	log.Println("INFO: balance projection rebuild complete")
	return nil
}

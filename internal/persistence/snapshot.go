package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ForwardClear/internal/core"
	"ForwardClear/internal/state"
	"ForwardClear/internal/vault"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot carries everything the engine needs to resume: vault balances,
// mint delegations, markets, warehouses, deals, cross-margin pools, the
// per-partition sequence state, recent idempotency keys, and the hash chain
// tip. On warm restart the engine loads the latest verified snapshot and
// replays events from snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of the engine's in-memory state.
// Vault keys carry struct identity in memory, so balances flatten into
// explicit rows here.
type SnapshotData struct {
	Sequence        int64                       `json:"sequence"`
	StateHash       []byte                      `json:"state_hash"`
	Assets          map[string]uint16           `json:"assets"`
	Balances        []BalanceSnap               `json:"balances"`
	MintDelegates   map[uint16]string           `json:"mint_delegates"` // asset -> hex entity
	Markets         []*state.Market             `json:"markets"`
	Warehouses      []*state.Warehouse          `json:"warehouses"`
	Deals           []*state.Deal               `json:"deals"`
	Pools           []*state.CrossMarginAccount `json:"pools"`
	SequenceState   map[string]int64            `json:"sequence_state"` // partition -> next expected seq
	IdempotencyKeys []string                    `json:"idempotency_keys"`
	CreatedAt       time.Time                   `json:"created_at"`
}

// BalanceSnap is one vault balance row inside a snapshot.
type BalanceSnap struct {
	Scope   uint8  `json:"scope"`
	Entity  string `json:"entity"` // hex-encoded 16-byte identity
	SubType uint8  `json:"sub_type"`
	AssetID uint16 `json:"asset_id"`
	Balance int64  `json:"balance"`
}

// SnapshotFromEngine converts the engine's capture into storage form.
func SnapshotFromEngine(snap *core.SnapshotState, createdAt time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       append([]byte(nil), snap.StateHash[:]...),
		Assets:          make(map[string]uint16, len(snap.Assets)),
		Balances:        make([]BalanceSnap, 0, len(snap.Balances)),
		MintDelegates:   make(map[uint16]string, len(snap.MintDelegates)),
		Markets:         snap.Markets,
		Warehouses:      snap.Warehouses,
		Deals:           snap.Deals,
		Pools:           snap.Pools,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
	for sym, id := range snap.Assets {
		data.Assets[sym] = uint16(id)
	}
	for key, balance := range snap.Balances {
		data.Balances = append(data.Balances, BalanceSnap{
			Scope:   uint8(key.Scope),
			Entity:  hex.EncodeToString(key.Entity[:]),
			SubType: uint8(key.SubType),
			AssetID: uint16(key.AssetID),
			Balance: balance,
		})
	}
	for assetID, entity := range snap.MintDelegates {
		data.MintDelegates[uint16(assetID)] = hex.EncodeToString(entity[:])
	}
	return data
}

// ToEngineState converts a stored snapshot back into the engine's restore
// form. Returns an error if any stored entity fails to decode.
func (sd *SnapshotData) ToEngineState() (*core.SnapshotState, error) {
	snap := &core.SnapshotState{
		Sequence:        sd.Sequence,
		Assets:          make(map[string]vault.AssetID, len(sd.Assets)),
		Balances:        make(map[vault.VaultKey]int64, len(sd.Balances)),
		MintDelegates:   make(map[vault.AssetID][16]byte, len(sd.MintDelegates)),
		Markets:         sd.Markets,
		Warehouses:      sd.Warehouses,
		Deals:           sd.Deals,
		Pools:           sd.Pools,
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
	}
	copy(snap.StateHash[:], sd.StateHash)

	for sym, id := range sd.Assets {
		snap.Assets[sym] = vault.AssetID(id)
	}
	for _, b := range sd.Balances {
		entity, err := decodeEntity(b.Entity)
		if err != nil {
			return nil, fmt.Errorf("decode vault entity %q: %w", b.Entity, err)
		}
		key := vault.VaultKey{
			Scope:   vault.Scope(b.Scope),
			Entity:  entity,
			SubType: vault.SubType(b.SubType),
			AssetID: vault.AssetID(b.AssetID),
		}
		snap.Balances[key] = b.Balance
	}
	for assetID, entityHex := range sd.MintDelegates {
		entity, err := decodeEntity(entityHex)
		if err != nil {
			return nil, fmt.Errorf("decode mint delegate for asset %d: %w", assetID, err)
		}
		snap.MintDelegates[vault.AssetID(assetID)] = entity
	}

	return snap, nil
}

func decodeEntity(s string) ([16]byte, error) {
	var entity [16]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return entity, err
	}
	if len(raw) != 16 {
		return entity, fmt.Errorf("entity is %d bytes, want 16", len(raw))
	}
	copy(entity[:], raw)
	return entity, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events from the snapshot sequence
// forward before they are trusted for recovery.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// (nil, nil) when no snapshot exists, which means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after the replay check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, deal_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID, &e.DealID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// LoadJournalsForRange loads journal rows for a window of event sequences,
// grouped by event sequence. Replay applies these as balance deltas.
func (sm *SnapshotManager) LoadJournalsForRange(ctx context.Context, fromSequence, toSequence int64) (map[int64][]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       asset_id, amount, journal_kind, timestamp
		FROM event_log.journal
		WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence ASC, journal_id ASC
	`, fromSequence, toSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	journals := make(map[int64][]JournalRow)
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EventRef, &j.Sequence, &j.DebitAccount,
			&j.CreditAccount, &j.AssetID, &j.Amount, &j.JournalKind, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		journals[j.Sequence] = append(journals[j.Sequence], j)
	}

	return journals, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

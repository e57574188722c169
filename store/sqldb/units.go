package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/production-engine/production"
)

// =============================================================================
// STOCK UNITS
// =============================================================================

const unitColumns = `id, tenant_id, origin_entry_id, sequence, identifier, attributes_json,
	length_mm, width_mm, thickness_mm, pieces, volume, status, prior_status, created_at, updated_at`

func (s *Store) GetStockUnits(ctx context.Context, ids []production.StockUnitID) (map[production.StockUnitID]production.StockUnit, error) {
	out := make(map[production.StockUnitID]production.StockUnit, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	marks, args := inClause(ids)
	units, err := s.queryUnits(ctx, `SELECT `+unitColumns+` FROM stock_units WHERE id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		out[u.ID] = u
	}
	return out, nil
}

func (s *Store) ListStockUnitsByOrigin(ctx context.Context, entryID production.EntryID) ([]production.StockUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryUnits(ctx, `SELECT `+unitColumns+` FROM stock_units WHERE origin_entry_id = ? ORDER BY sequence, id`, string(entryID))
}

func (s *Store) FindStockUnitsByIdentifier(ctx context.Context, tenant production.TenantID, identifiers []string) ([]production.StockUnit, error) {
	if len(identifiers) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	marks, args := inClause(identifiers)
	args = append([]any{string(tenant)}, args...)
	return s.queryUnits(ctx, `SELECT `+unitColumns+` FROM stock_units WHERE tenant_id = ? AND identifier IN (`+marks+`) ORDER BY identifier`, args...)
}

// UpsertStockUnit writes the full state of a unit.
func (s *Store) UpsertStockUnit(ctx context.Context, u production.StockUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, err := json.Marshal(u.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode unit attributes: %w", err)
	}
	var origin sql.NullString
	if u.OriginEntryID != nil {
		origin = nullString(string(*u.OriginEntryID))
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO stock_units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			origin_entry_id = excluded.origin_entry_id,
			sequence = excluded.sequence,
			identifier = excluded.identifier,
			attributes_json = excluded.attributes_json,
			length_mm = excluded.length_mm,
			width_mm = excluded.width_mm,
			thickness_mm = excluded.thickness_mm,
			pieces = excluded.pieces,
			volume = excluded.volume,
			status = excluded.status,
			prior_status = excluded.prior_status,
			updated_at = excluded.updated_at`,
		string(u.ID), string(u.TenantID), origin, u.Sequence, u.Identifier, string(attrs),
		u.Dimensions.Length.String(), u.Dimensions.Width.String(), u.Dimensions.Thickness.String(),
		nullPieces(u.Pieces), u.Volume.String(), string(u.Status), string(u.PriorStatus),
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, u.Identifier)
	}
	if err != nil {
		return fmt.Errorf("failed to save stock unit: %w", err)
	}
	return nil
}

func (s *Store) DeleteStockUnits(ctx context.Context, ids []production.StockUnitID) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	marks, args := inClause(ids)
	if _, err := s.exec(ctx, s.db, `DELETE FROM stock_units WHERE id IN (`+marks+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete stock units: %w", err)
	}
	return nil
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...any) ([]production.StockUnit, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock units: %w", err)
	}
	defer rows.Close()

	var units []production.StockUnit
	for rows.Next() {
		var (
			u                    production.StockUnit
			origin               sql.NullString
			attrs                string
			length, width, thick string
			pieces               sql.NullInt64
			volume               string
			status, prior        string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&u.ID, &u.TenantID, &origin, &u.Sequence, &u.Identifier, &attrs,
			&length, &width, &thick, &pieces, &volume, &status, &prior, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock unit: %w", err)
		}
		if origin.Valid {
			id := production.EntryID(origin.String)
			u.OriginEntryID = &id
		}
		if err := json.Unmarshal([]byte(attrs), &u.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode unit attributes: %w", err)
		}
		var err error
		if u.Dimensions, err = parseDimensions(length, width, thick); err != nil {
			return nil, err
		}
		if u.Volume, err = parseDecimal(volume); err != nil {
			return nil, err
		}
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		u.Pieces = piecesPtr(pieces)
		u.Status = production.UnitStatus(status)
		u.PriorStatus = production.UnitStatus(prior)
		units = append(units, u)
	}
	return units, rows.Err()
}

// =============================================================================
// CONSUMPTIONS
// =============================================================================

func (s *Store) ListConsumptions(ctx context.Context, entryID production.EntryID) ([]production.Consumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, `SELECT `+consumptionColumns+` FROM consumptions WHERE entry_id = ? ORDER BY stock_unit_id`, string(entryID))
	if err != nil {
		return nil, fmt.Errorf("failed to query consumptions: %w", err)
	}
	return scanConsumptions(rows)
}

func (s *Store) ListConsumptionsOfStockUnits(ctx context.Context, ids []production.StockUnitID) ([]production.Consumption, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	marks, args := inClause(ids)
	rows, err := s.query(ctx, `SELECT `+consumptionColumns+` FROM consumptions WHERE stock_unit_id IN (`+marks+`) ORDER BY stock_unit_id, entry_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit consumptions: %w", err)
	}
	return scanConsumptions(rows)
}

const consumptionColumns = `entry_id, stock_unit_id, pieces, volume`

func scanConsumptions(rows *sql.Rows) ([]production.Consumption, error) {
	defer rows.Close()

	var out []production.Consumption
	for rows.Next() {
		var (
			c      production.Consumption
			pieces sql.NullInt64
			volume string
		)
		if err := rows.Scan(&c.EntryID, &c.StockUnitID, &pieces, &volume); err != nil {
			return nil, fmt.Errorf("failed to scan consumption: %w", err)
		}
		c.Pieces = piecesPtr(pieces)
		var err error
		if c.Volume, err = parseDecimal(volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceConsumptions swaps the recorded consumptions of an entry in one
// local transaction.
func (s *Store) ReplaceConsumptions(ctx context.Context, entryID production.EntryID, cs []production.Consumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `DELETE FROM consumptions WHERE entry_id = ?`, string(entryID)); err != nil {
		return fmt.Errorf("failed to clear consumptions: %w", err)
	}
	for _, c := range cs {
		if _, err := s.exec(ctx, tx,
			`INSERT INTO consumptions (entry_id, stock_unit_id, pieces, volume) VALUES (?, ?, ?, ?)`,
			string(entryID), string(c.StockUnitID), nullPieces(c.Pieces), c.Volume.String(),
		); err != nil {
			return fmt.Errorf("failed to insert consumption: %w", err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// JOURNAL
// =============================================================================

func (s *Store) AppendJournal(ctx context.Context, rec production.JournalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := json.Marshal(rec.Op)
	if err != nil {
		return fmt.Errorf("failed to encode journal op: %w", err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO validation_journal (entry_id, seq, prior_status, op_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(rec.EntryID), rec.Seq, string(rec.PriorStatus), string(op), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append journal: %w", err)
	}
	return nil
}

func (s *Store) LoadJournal(ctx context.Context, entryID production.EntryID) ([]production.JournalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, `
		SELECT entry_id, seq, prior_status, op_json, created_at
		FROM validation_journal WHERE entry_id = ? ORDER BY seq`, string(entryID))
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []production.JournalRecord
	for rows.Next() {
		var (
			rec       production.JournalRecord
			prior     string
			op        string
			createdAt string
		)
		if err := rows.Scan(&rec.EntryID, &rec.Seq, &prior, &op, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal: %w", err)
		}
		if err := json.Unmarshal([]byte(op), &rec.Op); err != nil {
			return nil, fmt.Errorf("failed to decode journal op: %w", err)
		}
		rec.PriorStatus = production.Status(prior)
		var err error
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ClearJournal(ctx context.Context, entryID production.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.exec(ctx, s.db, `DELETE FROM validation_journal WHERE entry_id = ?`, string(entryID)); err != nil {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	return nil
}

package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/production-engine/production"
)

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, tenant_id, owner_id, process_id, process_code, work_formula,
	production_date, status, entry_type, corrects_entry_id,
	input_volume, output_volume, outcome_pct, waste_pct,
	planned_work, actual_work, invoice_number, validated_at, created_at, updated_at`

// GetEntry returns nil, nil when the entry does not exist.
func (s *Store) GetEntry(ctx context.Context, id production.EntryID) (*production.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, id production.EntryID, expected, next production.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE entries SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if next == production.StatusDraft {
		query = `UPDATE entries SET status = ?, updated_at = ?, validated_at = NULL WHERE id = ? AND status = ?`
	}
	res, err := s.exec(ctx, s.db, query, string(next), formatTime(time.Now()), string(id), string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to swap entry status: %w", err)
	}
	return affected(res)
}

func (s *Store) CommitValidation(ctx context.Context, id production.EntryID, totals production.Totals, planned *decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, s.db, `
		UPDATE entries
		SET status = ?, input_volume = ?, output_volume = ?, outcome_pct = ?, waste_pct = ?,
			planned_work = ?, validated_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(production.StatusValidated),
		totals.InputVolume.String(), totals.OutputVolume.String(),
		totals.OutcomePct.String(), totals.WastePct.String(),
		nullDecimal(planned), formatTime(at), formatTime(at),
		string(id), string(production.StatusValidating),
	)
	if err != nil {
		return false, fmt.Errorf("failed to commit validation: %w", err)
	}
	return affected(res)
}

// SaveEntry inserts the entry or updates its editable fields. Status,
// validated_at and ownership are never overwritten.
func (s *Store) SaveEntry(ctx context.Context, e production.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var corrects sql.NullString
	if e.CorrectsEntryID != nil {
		corrects = nullString(string(*e.CorrectsEntryID))
	}
	status := e.Status
	if status == "" {
		status = production.StatusDraft
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			process_id = excluded.process_id,
			process_code = excluded.process_code,
			work_formula = excluded.work_formula,
			production_date = excluded.production_date,
			input_volume = excluded.input_volume,
			output_volume = excluded.output_volume,
			outcome_pct = excluded.outcome_pct,
			waste_pct = excluded.waste_pct,
			planned_work = excluded.planned_work,
			actual_work = excluded.actual_work,
			invoice_number = excluded.invoice_number,
			updated_at = excluded.updated_at`,
		string(e.ID), string(e.TenantID), string(e.OwnerID), nullString(e.ProcessID), e.ProcessCode,
		string(e.WorkFormula), formatTime(e.ProductionDate), string(status), string(e.Type), corrects,
		e.Totals.InputVolume.String(), e.Totals.OutputVolume.String(),
		e.Totals.OutcomePct.String(), e.Totals.WastePct.String(),
		nullDecimal(e.PlannedWork), nullDecimal(e.ActualWork), nullString(e.InvoiceNumber),
		nullTime(e.ValidatedAt), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

// DeleteEntry removes the entry and its rows.
func (s *Store) DeleteEntry(ctx context.Context, id production.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"consumptions", "inputs", "outputs", "entries"} {
		col := "entry_id"
		if table == "entries" {
			col = "id"
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM `+table+` WHERE `+col+` = ?`, string(id)); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *Store) FindCorrections(ctx context.Context, id production.EntryID) ([]production.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, `SELECT `+entryColumns+` FROM entries WHERE corrects_entry_id = ? ORDER BY id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]production.Entry, error) {
	defer rows.Close()

	var entries []production.Entry
	for rows.Next() {
		var (
			e                                    production.Entry
			processID, corrects, invoice         sql.NullString
			planned, actual, validatedAt         sql.NullString
			formula, status, entryType           string
			productionDate, createdAt, updatedAt string
			inVol, outVol, outcome, waste        string
		)
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.OwnerID, &processID, &e.ProcessCode, &formula,
			&productionDate, &status, &entryType, &corrects,
			&inVol, &outVol, &outcome, &waste,
			&planned, &actual, &invoice, &validatedAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.ProcessID = processID.String
		e.WorkFormula = production.WorkFormula(formula)
		e.Status = production.Status(status)
		e.Type = production.EntryType(entryType)
		e.InvoiceNumber = invoice.String
		if corrects.Valid {
			id := production.EntryID(corrects.String)
			e.CorrectsEntryID = &id
		}

		var err error
		if e.Totals, err = parseTotals(inVol, outVol, outcome, waste); err != nil {
			return nil, err
		}
		if e.PlannedWork, err = parseNullDecimal(planned); err != nil {
			return nil, err
		}
		if e.ActualWork, err = parseNullDecimal(actual); err != nil {
			return nil, err
		}
		if e.ValidatedAt, err = parseNullTime(validatedAt); err != nil {
			return nil, err
		}
		if e.ProductionDate, err = parseTime(productionDate); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseTotals(in, out, outcome, waste string) (production.Totals, error) {
	var (
		t    production.Totals
		errs []error
		err  error
	)
	t.InputVolume, err = parseDecimal(in)
	errs = append(errs, err)
	t.OutputVolume, err = parseDecimal(out)
	errs = append(errs, err)
	t.OutcomePct, err = parseDecimal(outcome)
	errs = append(errs, err)
	t.WastePct, err = parseDecimal(waste)
	errs = append(errs, err)
	return t, errors.Join(errs...)
}

// =============================================================================
// INPUTS
// =============================================================================

const inputColumns = `id, entry_id, stock_unit_id, pieces_used, volume, created_at`

func (s *Store) ListInputs(ctx context.Context, entryID production.EntryID) ([]production.Input, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, `SELECT `+inputColumns+` FROM inputs WHERE entry_id = ? ORDER BY created_at, id`, string(entryID))
	if err != nil {
		return nil, fmt.Errorf("failed to query inputs: %w", err)
	}
	return scanInputs(rows)
}

func (s *Store) FindInputsReferencingStockUnits(ctx context.Context, ids []production.StockUnitID) ([]production.Input, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	marks, args := inClause(ids)
	rows, err := s.query(ctx, `SELECT `+inputColumns+` FROM inputs WHERE stock_unit_id IN (`+marks+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit references: %w", err)
	}
	return scanInputs(rows)
}

func (s *Store) SaveInput(ctx context.Context, in production.Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, s.db, `
		INSERT INTO inputs (`+inputColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			stock_unit_id = excluded.stock_unit_id,
			pieces_used = excluded.pieces_used,
			volume = excluded.volume`,
		string(in.ID), string(in.EntryID), string(in.StockUnitID),
		nullPieces(in.PiecesUsed), in.Volume.String(), formatTime(in.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save input: %w", err)
	}
	return nil
}

func (s *Store) DeleteInput(ctx context.Context, id production.InputID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.exec(ctx, s.db, `DELETE FROM inputs WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("failed to delete input: %w", err)
	}
	return nil
}

func scanInputs(rows *sql.Rows) ([]production.Input, error) {
	defer rows.Close()

	var inputs []production.Input
	for rows.Next() {
		var (
			in        production.Input
			pieces    sql.NullInt64
			volume    string
			createdAt string
		)
		if err := rows.Scan(&in.ID, &in.EntryID, &in.StockUnitID, &pieces, &volume, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan input: %w", err)
		}
		in.PiecesUsed = piecesPtr(pieces)
		var err error
		if in.Volume, err = parseDecimal(volume); err != nil {
			return nil, err
		}
		if in.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, rows.Err()
}

// =============================================================================
// OUTPUTS
// =============================================================================

const outputColumns = `id, entry_id, identifier, attributes_json, length_mm, width_mm, thickness_mm,
	pieces, volume, note, sort_order`

func (s *Store) ListOutputs(ctx context.Context, entryID production.EntryID) ([]production.Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, `SELECT `+outputColumns+` FROM outputs WHERE entry_id = ? ORDER BY sort_order, id`, string(entryID))
	if err != nil {
		return nil, fmt.Errorf("failed to query outputs: %w", err)
	}
	defer rows.Close()

	var outputs []production.Output
	for rows.Next() {
		var (
			o                    production.Output
			attrs                string
			length, width, thick string
			pieces               sql.NullInt64
			volume               string
			note                 sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.EntryID, &o.Identifier, &attrs, &length, &width, &thick,
			&pieces, &volume, &note, &o.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &o.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode output attributes: %w", err)
		}
		var err error
		if o.Dimensions, err = parseDimensions(length, width, thick); err != nil {
			return nil, err
		}
		if o.Volume, err = parseDecimal(volume); err != nil {
			return nil, err
		}
		o.Pieces = piecesPtr(pieces)
		o.Note = note.String
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

func (s *Store) SaveOutput(ctx context.Context, o production.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, err := json.Marshal(o.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode output attributes: %w", err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO outputs (`+outputColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			identifier = excluded.identifier,
			attributes_json = excluded.attributes_json,
			length_mm = excluded.length_mm,
			width_mm = excluded.width_mm,
			thickness_mm = excluded.thickness_mm,
			pieces = excluded.pieces,
			volume = excluded.volume,
			note = excluded.note,
			sort_order = excluded.sort_order`,
		string(o.ID), string(o.EntryID), o.Identifier, string(attrs),
		o.Dimensions.Length.String(), o.Dimensions.Width.String(), o.Dimensions.Thickness.String(),
		nullPieces(o.Pieces), o.Volume.String(), nullString(o.Note), o.SortOrder,
	)
	if err != nil {
		return fmt.Errorf("failed to save output: %w", err)
	}
	return nil
}

func (s *Store) DeleteOutput(ctx context.Context, id production.OutputID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.exec(ctx, s.db, `DELETE FROM outputs WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("failed to delete output: %w", err)
	}
	return nil
}

// ListTakenIdentifiers returns identifiers with prefix used by stock units or
// staged outputs of the tenant.
func (s *Store) ListTakenIdentifiers(ctx context.Context, tenant production.TenantID, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	like := prefix + "%"
	rows, err := s.query(ctx, `
		SELECT identifier FROM stock_units WHERE tenant_id = ? AND identifier LIKE ?
		UNION
		SELECT o.identifier FROM outputs o JOIN entries e ON e.id = o.entry_id
		WHERE e.tenant_id = ? AND o.identifier LIKE ?
		ORDER BY 1`,
		string(tenant), like, string(tenant), like,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query identifiers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func parseDimensions(length, width, thickness string) (production.Dimensions, error) {
	var (
		d    production.Dimensions
		errs []error
		err  error
	)
	d.Length, err = parseDecimal(length)
	errs = append(errs, err)
	d.Width, err = parseDecimal(width)
	errs = append(errs, err)
	d.Thickness, err = parseDecimal(thickness)
	errs = append(errs, err)
	return d, errors.Join(errs...)
}

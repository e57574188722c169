package production

import "github.com/shopspring/decimal"

// WorkFormula selects how the planned work of an entry is derived.
type WorkFormula string

const (
	FormulaNone           WorkFormula = ""
	FormulaLengthPieces   WorkFormula = "length_pieces"   // Σ length(m) × pieces
	FormulaArea           WorkFormula = "area"            // Σ length(m) × width(m) × pieces
	FormulaVolume         WorkFormula = "volume"          // Σ input volume
	FormulaPieces         WorkFormula = "pieces"          // Σ pieces used
	FormulaOutputPackages WorkFormula = "output_packages" // number of outputs
	FormulaHours          WorkFormula = "hours"           // entered by hand, never computed
)

var (
	hundred      = decimal.NewFromInt(100)
	mmPerMetre   = decimal.NewFromInt(1000)
	mm2PerMetre2 = decimal.NewFromInt(1000000)
)

// ComputeTotals derives the entry totals from its rows. Pure.
func ComputeTotals(inputs []Input, outputs []Output) Totals {
	in := decimal.Zero
	for _, i := range inputs {
		in = in.Add(i.Volume)
	}
	out := decimal.Zero
	for _, o := range outputs {
		out = out.Add(o.Volume)
	}

	outcome := decimal.Zero
	if in.IsPositive() && out.IsPositive() {
		outcome = out.Mul(hundred).Div(in).Round(2)
	}
	return Totals{
		InputVolume:  in,
		OutputVolume: out,
		OutcomePct:   outcome,
		WastePct:     hundred.Sub(outcome),
	}
}

// PlannedWork computes the planned work for formula. units supplies the
// dimensions of the input stock units. Returns nil when the formula is not
// computable or nothing contributes a positive amount.
func PlannedWork(formula WorkFormula, inputs []Input, units map[StockUnitID]StockUnit, outputCount int) *decimal.Decimal {
	total := decimal.Zero

	switch formula {
	case FormulaLengthPieces, FormulaArea:
		for _, in := range inputs {
			if in.PiecesUsed == nil {
				continue
			}
			u, ok := units[in.StockUnitID]
			if !ok {
				continue
			}
			pieces := decimal.NewFromInt(*in.PiecesUsed)
			if formula == FormulaLengthPieces {
				total = total.Add(u.Dimensions.Length.Div(mmPerMetre).Mul(pieces))
			} else {
				total = total.Add(u.Dimensions.Length.Mul(u.Dimensions.Width).Div(mm2PerMetre2).Mul(pieces))
			}
		}
	case FormulaVolume:
		for _, in := range inputs {
			total = total.Add(in.Volume)
		}
	case FormulaPieces:
		for _, in := range inputs {
			if in.PiecesUsed != nil {
				total = total.Add(decimal.NewFromInt(*in.PiecesUsed))
			}
		}
	case FormulaOutputPackages:
		total = decimal.NewFromInt(int64(outputCount))
	default:
		return nil
	}

	if !total.IsPositive() {
		return nil
	}
	return &total
}

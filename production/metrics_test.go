package production_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/production-engine/production"
)

func TestComputeTotals(t *testing.T) {
	inputs := []production.Input{{Volume: vol("0.6")}, {Volume: vol("0.4")}}
	outputs := []production.Output{{Volume: vol("0.3")}, {Volume: vol("0.2")}}

	totals := production.ComputeTotals(inputs, outputs)

	assert.True(t, totals.InputVolume.Equal(vol("1")))
	assert.True(t, totals.OutputVolume.Equal(vol("0.5")))
	assert.True(t, totals.OutcomePct.Equal(vol("50")), "outcome = %s", totals.OutcomePct)
	assert.True(t, totals.WastePct.Equal(vol("50")))
}

func TestComputeTotals_NoInputs_ZeroOutcome(t *testing.T) {
	totals := production.ComputeTotals(nil, []production.Output{{Volume: vol("0.3")}})

	assert.True(t, totals.OutcomePct.IsZero())
	assert.True(t, totals.WastePct.Equal(vol("100")))
}

func TestComputeTotals_RoundsOutcomeToTwoPlaces(t *testing.T) {
	totals := production.ComputeTotals(
		[]production.Input{{Volume: vol("3")}},
		[]production.Output{{Volume: vol("1")}},
	)
	assert.Equal(t, "33.33", totals.OutcomePct.String())
	assert.Equal(t, "66.67", totals.WastePct.String())
}

func TestPlannedWork(t *testing.T) {
	units := map[production.StockUnitID]production.StockUnit{
		"u1": {ID: "u1", Dimensions: production.Dimensions{Length: vol("4000"), Width: vol("150"), Thickness: vol("25")}},
	}
	inputs := []production.Input{
		{StockUnitID: "u1", PiecesUsed: production.Pieces(10), Volume: vol("0.15")},
		{StockUnitID: "u1", Volume: vol("0.05")},
	}

	cases := []struct {
		formula production.WorkFormula
		want    string
	}{
		{production.FormulaLengthPieces, "40"}, // 4 m x 10
		{production.FormulaArea, "6"},          // 4 m x 0.15 m x 10
		{production.FormulaVolume, "0.2"},
		{production.FormulaPieces, "10"},
		{production.FormulaOutputPackages, "3"},
	}
	for _, tc := range cases {
		t.Run(string(tc.formula), func(t *testing.T) {
			got := production.PlannedWork(tc.formula, inputs, units, 3)
			require.NotNil(t, got)
			assert.True(t, got.Equal(vol(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

func TestPlannedWork_NotComputable(t *testing.T) {
	inputs := []production.Input{{StockUnitID: "u1", Volume: vol("1")}}

	assert.Nil(t, production.PlannedWork(production.FormulaHours, inputs, nil, 1))
	assert.Nil(t, production.PlannedWork(production.FormulaNone, inputs, nil, 1))
	assert.Nil(t, production.PlannedWork(production.FormulaPieces, inputs, nil, 1), "no pieces recorded")
}

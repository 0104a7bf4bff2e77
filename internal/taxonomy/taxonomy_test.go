package taxonomy

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spons-match/internal/model"
)

func TestNormalizeTrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want model.Trade
	}{
		{"", model.TradeGeneral},
		{"   ", model.TradeGeneral},
		{"Fire", model.TradeFire},
		{"FIRE SAFETY", model.TradeFire},
		{"fire stopping works", model.TradeFire},
		{"hvac", model.TradeHVAC},
		{"Air Con", model.TradeHVAC},
		{"ventilation", model.TradeHVAC},
		{"plumbing", model.TradeMechanical},
		{"mechanical services", model.TradeMechanical},
		{"Electrical", model.TradeElectrical},
		{"emergency lighting", model.TradeElectrical},
		{"decorating", model.TradeGeneral},
		{"General", model.TradeGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeTrade(tt.raw))
		})
	}
}

func TestNormalizeTradeIsTotal(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"???", "ünïcödé", "123", "fire\x00door"} {
		assert.True(t, NormalizeTrade(raw).Valid(), raw)
	}
}

func TestCompatibleUnits(t *testing.T) {
	t.Parallel()

	nr := CompatibleUnits("NR")
	assert.Contains(t, nr, "EACH")
	assert.Contains(t, nr, "EA")
	assert.Contains(t, nr, "NR")
	assert.NotContains(t, nr, "M")

	if diff := cmp.Diff(CompatibleUnits("metres"), CompatibleUnits("LM")); diff != "" {
		t.Errorf("metre aliases differ (-metres +LM):\n%s", diff)
	}
	assert.Contains(t, CompatibleUnits("m"), "LINEAR M")

	assert.Equal(t, CompatibleUnits("sqm"), CompatibleUnits("m²"))
	assert.Contains(t, CompatibleUnits("M2"), "SQM")

	assert.Equal(t, []string{"WIDGETS"}, CompatibleUnits("widgets"))
	assert.Equal(t, CompatibleUnits(""), nr, "empty unit defaults to NR")
}

func TestCompatibleUnitsReturnsCopy(t *testing.T) {
	t.Parallel()

	a := CompatibleUnits("NR")
	a[0] = "MUTATED"
	assert.NotContains(t, CompatibleUnits("NR"), "MUTATED")
}

func TestNormalizeUnit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "NR", NormalizeUnit("each"))
	assert.Equal(t, "NR", NormalizeUnit("No."))
	assert.Equal(t, "NR", NormalizeUnit(""))
	assert.Equal(t, "M", NormalizeUnit("Linear M"))
	assert.Equal(t, "M2", NormalizeUnit("m²"))
	assert.Equal(t, "M3", NormalizeUnit("cubic metres"))
	assert.True(t, UnitsCompatible("ea", "Nr"))
	assert.False(t, UnitsCompatible("m", "m2"))
}

func TestTradeForAsset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		asset string
		want  model.Trade
		ok    bool
	}{
		{"AHU", model.TradeHVAC, true},
		{"AHU-01", model.TradeHVAC, true},
		{"Fire Door", model.TradeFire, true},
		{"door", model.TradeGeneral, true},
		{"emergency light", model.TradeElectrical, true},
		{"booster pump", model.TradeMechanical, true},
		{"distribution board DB2", model.TradeElectrical, true},
		{"feedback loop", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.asset, func(t *testing.T) {
			t.Parallel()
			got, ok := TradeForAsset(tt.asset)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchCondition(t *testing.T) {
	t.Parallel()

	cond, action, ok := MatchCondition("making noise")
	require.True(t, ok)
	assert.Equal(t, model.ConditionDefective, cond)
	assert.Equal(t, model.ActionRepair, action)

	cond, action, ok = MatchCondition("Closer is MISSING")
	require.True(t, ok)
	assert.Equal(t, model.ConditionMissing, cond)
	assert.Equal(t, model.ActionInstall, action)

	cond, _, ok = MatchCondition("extinguisher test date passed")
	require.True(t, ok)
	assert.Equal(t, model.ConditionExpired, cond)

	// Two rules that agree are still unambiguous.
	_, _, ok = MatchCondition("noisy and vibrating")
	assert.True(t, ok)

	// Disagreeing rules defer to the reasoning step.
	_, _, ok = MatchCondition("damaged and missing")
	assert.False(t, ok)

	_, _, ok = MatchCondition("looks a bit odd")
	assert.False(t, ok)
}

func TestLoadRejectsBadTables(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte("trades: [unclosed"))
	assert.Error(t, err)

	_, err = Load([]byte("trades:\n  exact:\n    foo: Plumbing\n"))
	assert.Error(t, err)

	_, err = Load([]byte("units:\n  - canonical: NR\n    aliases: [EA]\n  - canonical: M\n    aliases: [EA]\n"))
	assert.Error(t, err)

	_, err = Load([]byte("conditions:\n  - any: [x]\n    condition: wonky\n    action: repair\n"))
	assert.Error(t, err)
}

func TestLoadEmbeddedTables(t *testing.T) {
	t.Parallel()

	tx, err := Load(taxonomyYAML)
	require.NoError(t, err)
	assert.NotEmpty(t, tx.assets)
	for i := 1; i < len(tx.assets); i++ {
		assert.GreaterOrEqual(t, len(tx.assets[i-1].phrase), len(tx.assets[i].phrase))
	}
}

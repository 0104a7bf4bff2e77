// Package taxonomy maps raw surveyor vocabulary onto the fixed trade, unit,
// asset and condition tables used by the matching pipeline. Every function
// is deterministic and total.
package taxonomy

import (
	_ "embed"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/spons-match/internal/model"
)

//go:embed taxonomy.yaml
var taxonomyYAML []byte

// DefaultUnit is the expected unit when no quantity was spoken.
const DefaultUnit = "NR"

type tablesFile struct {
	Trades struct {
		Exact    map[string]model.Trade `yaml:"exact"`
		Contains []struct {
			Trade model.Trade `yaml:"trade"`
			Any   []string    `yaml:"any"`
		} `yaml:"contains"`
	} `yaml:"trades"`
	Units []struct {
		Canonical string   `yaml:"canonical"`
		Aliases   []string `yaml:"aliases"`
	} `yaml:"units"`
	Assets     map[model.Trade][]string `yaml:"assets"`
	Conditions []ConditionRule          `yaml:"conditions"`
}

// ConditionRule maps colloquial defect phrases to a QS condition and action.
type ConditionRule struct {
	Any       []string          `yaml:"any"`
	Condition model.QSCondition `yaml:"condition"`
	Action    model.QSAction    `yaml:"action"`
}

type tradeRule struct {
	trade model.Trade
	any   []string
}

type assetPhrase struct {
	phrase string
	trade  model.Trade
}

// Taxonomy is a compiled set of vocabulary tables.
type Taxonomy struct {
	exactTrades map[string]model.Trade
	tradeRules  []tradeRule
	unitGroup   map[string]string   // folded alias -> canonical
	unitAliases map[string][]string // canonical -> sorted aliases
	assets      []assetPhrase       // longest phrase first
	conditions  []ConditionRule
}

var folder = cases.Fold()

// fold lower-cases, NFKC-normalizes and collapses whitespace. NFKC maps
// "m²" to "m2".
func fold(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

func unitKey(s string) string {
	return strings.ToUpper(strings.TrimSuffix(fold(s), "."))
}

// Load compiles vocabulary tables from YAML.
func Load(data []byte) (*Taxonomy, error) {
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse tables")
	}

	t := &Taxonomy{
		exactTrades: make(map[string]model.Trade, len(f.Trades.Exact)),
		unitGroup:   make(map[string]string),
		unitAliases: make(map[string][]string, len(f.Units)),
	}

	for k, v := range f.Trades.Exact {
		if !v.Valid() {
			return nil, eris.Errorf("taxonomy: unknown trade %q for %q", v, k)
		}
		t.exactTrades[fold(k)] = v
	}
	for _, r := range f.Trades.Contains {
		if !r.Trade.Valid() {
			return nil, eris.Errorf("taxonomy: unknown trade %q in contains rule", r.Trade)
		}
		rule := tradeRule{trade: r.Trade}
		for _, s := range r.Any {
			rule.any = append(rule.any, fold(s))
		}
		t.tradeRules = append(t.tradeRules, rule)
	}

	for _, u := range f.Units {
		canon := unitKey(u.Canonical)
		seen := map[string]bool{canon: true}
		aliases := []string{canon}
		for _, a := range u.Aliases {
			k := unitKey(a)
			if prev, ok := t.unitGroup[k]; ok && prev != canon {
				return nil, eris.Errorf("taxonomy: unit alias %q in both %s and %s", a, prev, canon)
			}
			t.unitGroup[k] = canon
			if !seen[k] {
				seen[k] = true
				aliases = append(aliases, k)
			}
		}
		t.unitGroup[canon] = canon
		sort.Strings(aliases)
		t.unitAliases[canon] = aliases
	}

	for trade, phrases := range f.Assets {
		if !trade.Valid() {
			return nil, eris.Errorf("taxonomy: unknown asset trade %q", trade)
		}
		for _, p := range phrases {
			t.assets = append(t.assets, assetPhrase{phrase: fold(p), trade: trade})
		}
	}
	sort.SliceStable(t.assets, func(i, j int) bool {
		if len(t.assets[i].phrase) != len(t.assets[j].phrase) {
			return len(t.assets[i].phrase) > len(t.assets[j].phrase)
		}
		return t.assets[i].phrase < t.assets[j].phrase
	})

	for i, c := range f.Conditions {
		r := ConditionRule{Condition: c.Condition, Action: c.Action}
		probe := model.RefinedObservation{QSAction: c.Action, QSCondition: c.Condition, QSDescription: "x"}
		if err := probe.Validate(); err != nil {
			return nil, eris.Wrapf(err, "taxonomy: condition rule %d", i)
		}
		for _, s := range c.Any {
			r.Any = append(r.Any, fold(s))
		}
		t.conditions = append(t.conditions, r)
	}

	return t, nil
}

var defaultTaxonomy = sync.OnceValue(func() *Taxonomy {
	t, err := Load(taxonomyYAML)
	if err != nil {
		panic("taxonomy: embedded tables: " + err.Error())
	}
	return t
})

// Default returns the embedded vocabulary tables.
func Default() *Taxonomy {
	return defaultTaxonomy()
}

// NormalizeTrade maps free text to the closed trade enum: exact table first,
// then substring rules in order. Empty or unmapped input is General.
func (t *Taxonomy) NormalizeTrade(raw string) model.Trade {
	s := fold(raw)
	if s == "" {
		return model.TradeGeneral
	}
	if tr, ok := t.exactTrades[s]; ok {
		return tr
	}
	for _, r := range t.tradeRules {
		for _, sub := range r.any {
			if strings.Contains(s, sub) {
				return r.trade
			}
		}
	}
	return model.TradeGeneral
}

// NormalizeUnit returns the canonical form of a unit. Empty input is the
// default unit; unknown units are returned upper-cased.
func (t *Taxonomy) NormalizeUnit(raw string) string {
	k := unitKey(raw)
	if k == "" {
		return DefaultUnit
	}
	if canon, ok := t.unitGroup[k]; ok {
		return canon
	}
	return k
}

// CompatibleUnits expands a unit into every accepted surface form of its
// group, sorted. An unknown unit is only compatible with itself.
func (t *Taxonomy) CompatibleUnits(unit string) []string {
	canon := t.NormalizeUnit(unit)
	if aliases, ok := t.unitAliases[canon]; ok {
		out := make([]string, len(aliases))
		copy(out, aliases)
		return out
	}
	return []string{canon}
}

// UnitsCompatible reports whether two unit spellings belong to the same group.
func (t *Taxonomy) UnitsCompatible(a, b string) bool {
	return t.NormalizeUnit(a) == t.NormalizeUnit(b)
}

// TradeForAsset looks up the trade an asset belongs to. The longest phrase
// found on word boundaries wins; ok is false when nothing matched.
func (t *Taxonomy) TradeForAsset(assetType string) (model.Trade, bool) {
	s := " " + wordsOnly(fold(assetType)) + " "
	for _, a := range t.assets {
		if strings.Contains(s, " "+a.phrase+" ") {
			return a.trade, true
		}
	}
	return "", false
}

// MatchConditions returns every condition rule whose phrases occur in issue.
func (t *Taxonomy) MatchConditions(issue string) []ConditionRule {
	s := fold(issue)
	var out []ConditionRule
	for _, r := range t.conditions {
		for _, p := range r.Any {
			if strings.Contains(s, p) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// MatchCondition returns the unambiguous (condition, action) for issue. ok is
// false when no rule matched or matching rules disagree.
func (t *Taxonomy) MatchCondition(issue string) (model.QSCondition, model.QSAction, bool) {
	rules := t.MatchConditions(issue)
	if len(rules) == 0 {
		return "", "", false
	}
	first := rules[0]
	for _, r := range rules[1:] {
		if r.Condition != first.Condition || r.Action != first.Action {
			return "", "", false
		}
	}
	return first.Condition, first.Action, true
}

// wordsOnly replaces punctuation with spaces so phrases match on word
// boundaries ("AHU-01" contains "ahu").
func wordsOnly(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c >= 0x80:
		default:
			b[i] = ' '
		}
	}
	return strings.Join(strings.Fields(string(b)), " ")
}

// NormalizeTrade maps free text to a trade using the embedded tables.
func NormalizeTrade(raw string) model.Trade { return Default().NormalizeTrade(raw) }

// NormalizeUnit canonicalizes a unit using the embedded tables.
func NormalizeUnit(raw string) string { return Default().NormalizeUnit(raw) }

// CompatibleUnits expands a unit using the embedded tables.
func CompatibleUnits(unit string) []string { return Default().CompatibleUnits(unit) }

// UnitsCompatible compares two units using the embedded tables.
func UnitsCompatible(a, b string) bool { return Default().UnitsCompatible(a, b) }

// TradeForAsset looks up an asset's trade using the embedded tables.
func TradeForAsset(assetType string) (model.Trade, bool) { return Default().TradeForAsset(assetType) }

// MatchCondition resolves an issue using the embedded condition table.
func MatchCondition(issue string) (model.QSCondition, model.QSAction, bool) {
	return Default().MatchCondition(issue)
}

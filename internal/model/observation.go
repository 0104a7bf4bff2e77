// Package model holds the domain types shared by the matching pipeline,
// the stores and the review API.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Trade is the closed discipline taxonomy used as a hard retrieval filter.
type Trade string

const (
	TradeFire       Trade = "Fire"
	TradeHVAC       Trade = "HVAC"
	TradeMechanical Trade = "Mechanical"
	TradeElectrical Trade = "Electrical"
	TradeGeneral    Trade = "General"
)

// AllTrades returns every valid trade.
func AllTrades() []Trade {
	return []Trade{TradeFire, TradeHVAC, TradeMechanical, TradeElectrical, TradeGeneral}
}

// Valid reports whether t is one of the five known trades.
func (t Trade) Valid() bool {
	for _, v := range AllTrades() {
		if v == t {
			return true
		}
	}
	return false
}

// ExtractionConfidence is the splitter's confidence in one extracted observation.
type ExtractionConfidence string

const (
	ConfidenceHigh   ExtractionConfidence = "high"
	ConfidenceMedium ExtractionConfidence = "medium"
	ConfidenceLow    ExtractionConfidence = "low"
)

// Attributes are optional technical details spoken alongside an asset.
type Attributes struct {
	Size       *string  `json:"size,omitempty"`
	Rating     *string  `json:"rating,omitempty"`
	CapacityKW *float64 `json:"capacity_kw,omitempty"`
	Phase      *string  `json:"phase,omitempty"`
	Count      *int     `json:"count,omitempty"`
	Identifier *string  `json:"identifier,omitempty"`
}

// Quantity is a measured amount mentioned with an observation ("20 metres").
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Observation is one detected asset/defect mention from a transcript.
type Observation struct {
	AssetType  string               `json:"asset_type"`
	Issue      string               `json:"issue"`
	Location   string               `json:"location,omitempty"`
	Trade      Trade                `json:"trade"`
	Attributes Attributes           `json:"attributes"`
	Quantity   *Quantity            `json:"quantity,omitempty"`
	Confidence ExtractionConfidence `json:"confidence"`
}

// DescriptiveText is the text embedded for retrieval: asset, issue,
// location and trade.
func (o Observation) DescriptiveText() string {
	parts := []string{o.AssetType, o.Issue}
	if o.Location != "" {
		parts = append(parts, o.Location)
	}
	if o.Trade != "" {
		parts = append(parts, string(o.Trade))
	}
	return strings.Join(nonEmpty(parts), " | ")
}

// QSAction is the work classification assigned by the refiner.
type QSAction string

const (
	ActionRepair   QSAction = "repair"
	ActionReplace  QSAction = "replace"
	ActionInspect  QSAction = "inspect"
	ActionInstall  QSAction = "install"
	ActionMaintain QSAction = "maintain"
)

// AllActions returns every valid QS action.
func AllActions() []QSAction {
	return []QSAction{ActionRepair, ActionReplace, ActionInspect, ActionInstall, ActionMaintain}
}

// QSCondition is the condition state assigned by the refiner.
type QSCondition string

const (
	ConditionDefective   QSCondition = "defective"
	ConditionDamaged     QSCondition = "damaged"
	ConditionMissing     QSCondition = "missing"
	ConditionInoperative QSCondition = "inoperative"
	ConditionExpired     QSCondition = "expired"
	ConditionObstructed  QSCondition = "obstructed"
)

// AllConditions returns every valid QS condition.
func AllConditions() []QSCondition {
	return []QSCondition{
		ConditionDefective, ConditionDamaged, ConditionMissing,
		ConditionInoperative, ConditionExpired, ConditionObstructed,
	}
}

// RefinementSource records how a refined observation was produced.
type RefinementSource string

const (
	RefinedByTable    RefinementSource = "table"
	RefinedByModel    RefinementSource = "model"
	RefinedByFallback RefinementSource = "fallback"
)

// RefinedObservation is an Observation rewritten in QS-grade language.
type RefinedObservation struct {
	Observation     Observation      `json:"observation"`
	QSAsset         string           `json:"qs_asset"`
	QSAction        QSAction         `json:"qs_action"`
	QSCondition     QSCondition      `json:"qs_condition"`
	QSDescription   string           `json:"qs_description"`
	RefinedSentence string           `json:"refined_sentence"`
	Source          RefinementSource `json:"source"`
}

// Validate checks the closed action and condition vocabularies.
func (r RefinedObservation) Validate() error {
	if !containsAction(r.QSAction) {
		return eris.Errorf("model: invalid qs_action %q", r.QSAction)
	}
	if !containsCondition(r.QSCondition) {
		return eris.Errorf("model: invalid qs_condition %q", r.QSCondition)
	}
	if strings.TrimSpace(r.QSDescription) == "" {
		return eris.New("model: empty qs_description")
	}
	return nil
}

// FallbackRefinement is the deterministic template used when refinement fails.
func FallbackRefinement(obs Observation) RefinedObservation {
	desc := obs.AssetType + " - " + obs.Issue
	return RefinedObservation{
		Observation:     obs,
		QSAsset:         obs.AssetType,
		QSAction:        ActionRepair,
		QSCondition:     ConditionDefective,
		QSDescription:   desc,
		RefinedSentence: desc,
		Source:          RefinedByFallback,
	}
}

func containsAction(a QSAction) bool {
	for _, v := range AllActions() {
		if v == a {
			return true
		}
	}
	return false
}

func containsCondition(c QSCondition) bool {
	for _, v := range AllConditions() {
		if v == c {
			return true
		}
	}
	return false
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package model

import "github.com/rotisserie/eris"

// Status is a line item's processing state.
type Status string

const (
	StatusCreated             Status = "CREATED"
	StatusSplit               Status = "SPLIT"
	StatusRefined             Status = "REFINED"
	StatusCandidatesRetrieved Status = "CANDIDATES_RETRIEVED"
	StatusMatched             Status = "MATCHED"
	StatusQSReview            Status = "QS_REVIEW"
	StatusUnmatched           Status = "UNMATCHED"
)

// ErrInvalidTransition is returned when a status change is not an edge of
// the line item state machine.
var ErrInvalidTransition = eris.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusCreated:             {StatusSplit},
	StatusSplit:               {StatusRefined},
	StatusRefined:             {StatusCandidatesRetrieved, StatusUnmatched},
	StatusCandidatesRetrieved: {StatusMatched, StatusQSReview, StatusUnmatched, StatusRefined},
	StatusQSReview:            {StatusMatched, StatusRefined},
	StatusMatched:             {StatusMatched},
	StatusUnmatched:           {StatusRefined},
}

// CanTransition reports whether from -> to is a legal edge.
//
// CANDIDATES_RETRIEVED -> REFINED resumes an item abandoned mid-decision;
// QS_REVIEW/UNMATCHED -> REFINED is a repeat-agent reprocess; MATCHED ->
// MATCHED is a human re-override.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both states when
// the edge is illegal.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether the pipeline is done with an item in this state.
func (s Status) Terminal() bool {
	return s == StatusMatched || s == StatusQSReview || s == StatusUnmatched
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// AllStatuses lists statuses in pipeline order.
func AllStatuses() []Status {
	return []Status{
		StatusCreated, StatusSplit, StatusRefined, StatusCandidatesRetrieved,
		StatusMatched, StatusQSReview, StatusUnmatched,
	}
}

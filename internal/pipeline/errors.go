package pipeline

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrorKind classifies the soft failures a stage recovers from. None of
// them is returned past the observation boundary; they end up in audit
// payloads.
type ErrorKind string

const (
	KindDegradedExtraction  ErrorKind = "degraded_extraction"
	KindNoCandidates        ErrorKind = "no_candidates"
	KindInvalidSelection    ErrorKind = "invalid_selection"
	KindVerificationFailed  ErrorKind = "verification_failed"
	KindExternalCallFailure ErrorKind = "external_call_failure"
)

var (
	// ErrNoCandidates is returned when the decision engine is invoked with
	// an empty candidate set.
	ErrNoCandidates = eris.New("pipeline: no candidates")

	// ErrInvalidSelection marks a decision naming a candidate outside the
	// set it was given.
	ErrInvalidSelection = eris.New("pipeline: selection not in candidate set")
)

// StageError records a recovered failure in one stage.
type StageError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(kind ErrorKind, stage string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

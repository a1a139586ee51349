package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds of the timeserver. Typed errors below
// unwrap to these so callers can classify with errors.Is.
var (
	ErrConfig        = errors.New("invalid configuration")
	ErrValidation    = errors.New("invalid block data")
	ErrContinuity    = errors.New("chain discontinuity")
	ErrProvider      = errors.New("provider failure")
	ErrNoConsensus   = errors.New("no consensus among providers")
	ErrNoRespondents = errors.New("no provider responded")
	ErrDispatch      = errors.New("dispatch failure")
)

// ValidationError reports a block that is missing a required field or is
// otherwise malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("block data incomplete: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ContinuityError reports a block that does not fit the committed chain:
// either its parent hash disagrees with the committed block at Height-1, or a
// different block is already committed at Height.
type ContinuityError struct {
	Height   uint64
	Expected string
	Got      string
}

func (e *ContinuityError) Error() string {
	return fmt.Sprintf("inconsistency in block data at block %d: expected %s, got %s", e.Height, e.Expected, e.Got)
}

func (e *ContinuityError) Unwrap() error { return ErrContinuity }

// ConsensusError reports an aggregate query that could not be resolved to a
// strict-majority answer.
type ConsensusError struct {
	// Query describes what was asked, e.g. "height" or "block height:100".
	Query string

	// Sources is the number of registered providers.
	Sources int

	// Respondents is the number of providers that answered (non-abstaining).
	Respondents int

	// Support is the size of the largest group of identical answers.
	Support int
}

func (e *ConsensusError) Error() string {
	if e.Respondents == 0 {
		return fmt.Sprintf("%s: none of %d providers responded", e.Query, e.Sources)
	}
	return fmt.Sprintf("%s: largest group %d of %d respondents is not a majority", e.Query, e.Support, e.Respondents)
}

func (e *ConsensusError) Unwrap() error {
	if e.Respondents == 0 {
		return ErrNoRespondents
	}
	return ErrNoConsensus
}

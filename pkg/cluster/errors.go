package cluster

import (
	"errors"
	"net/http"
	"strings"
)

// CallError wraps a failed API call with enough context for the retry
// layer to classify it without string-matching scattered call sites.
type CallError struct {
	Method     string
	Err        error
	StatusCode int
	Transient  bool
}

func (e *CallError) Error() string {
	return e.Method + ": " + e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Outcome classifies a call result for retry dispatch.
type Outcome int

const (
	// OutcomeOK - the call succeeded.
	OutcomeOK Outcome = iota
	// OutcomeTransient - worth retrying (network failure, 5xx).
	OutcomeTransient
	// OutcomePermanent - retrying cannot help.
	OutcomePermanent
	// OutcomeAlreadyExists - snapshot_create against an existing name;
	// treated as success by callers.
	OutcomeAlreadyExists
	// OutcomeNotTierable - the filesystem has no object store backing;
	// uploads are satisfied by policy.
	OutcomeNotTierable
)

// Classify maps a call error onto an outcome.
func Classify(method string, err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	msg := err.Error()
	if method == "snapshot_create" && strings.Contains(msg, "already exists") {
		return OutcomeAlreadyExists
	}
	if strings.Contains(msg, "not tiered: cannot upload from it") {
		return OutcomeNotTierable
	}
	var callErr *CallError
	if errors.As(err, &callErr) && callErr.Transient {
		return OutcomeTransient
	}
	return OutcomePermanent
}

// IsBadGateway reports a transient 502 response, which the status read
// path tolerates with a short wait instead of the full retry ladder.
func IsBadGateway(err error) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.StatusCode == http.StatusBadGateway
}

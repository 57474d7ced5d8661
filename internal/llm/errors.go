package llm

import (
	"errors"
	"fmt"
)

// transportError wraps a failure of the HTTP round trip itself.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return fmt.Sprintf("llm: transport: %v", e.err) }
func (e *transportError) Unwrap() error { return e.err }

// apiError is a non-200 answer from the provider.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("llm: api error (status %d): %s", e.status, e.message)
}

// lengthLimitError marks a completion truncated before any visible text
// was produced.
type lengthLimitError struct {
	limit          int
	reasoningHeavy bool
}

func (e *lengthLimitError) Error() string {
	return fmt.Sprintf("llm: completion truncated at %d tokens with empty content", e.limit)
}

// classifyAttemptError maps an attempt failure onto a retry class.
func classifyAttemptError(err error) retryClass {
	var te *transportError
	if errors.As(err, &te) {
		if class := classifyTransport(te.err); class != retryNone {
			return class
		}
		return retryNetwork
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return classifyAPIError(ae.status, ae.message)
	}
	var le *lengthLimitError
	if errors.As(err, &le) {
		return retryLengthLimit
	}
	return retryNone
}

// asLengthLimit extracts a lengthLimitError from the chain.
func asLengthLimit(err error, target **lengthLimitError) bool {
	return errors.As(err, target)
}

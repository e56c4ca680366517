package retry

import "github.com/enascvm/admiral/pkg/fault"

// OnUnauthorized retries authorization failures only. Before each such
// retry it calls invalidate so that the next attempt obtains fresh
// credentials.
func OnUnauthorized(invalidate func()) Predicate {
	return func(err error) bool {
		if !fault.IsUnauthorized(err) {
			return false
		}
		if invalidate != nil {
			invalidate()
		}
		return true
	}
}

// Retryable retries transient and conflict failures
func Retryable() Predicate {
	return fault.IsRetryable
}

// UnlessNotFound retries every failure except a missing target
func UnlessNotFound() Predicate {
	return func(err error) bool {
		return !fault.IsNotFound(err)
	}
}

// Any retries when at least one predicate does. Predicates are evaluated
// in order and evaluation stops at the first match.
func Any(preds ...Predicate) Predicate {
	return func(err error) bool {
		for _, p := range preds {
			if p(err) {
				return true
			}
		}
		return false
	}
}

// Package notify implements the notification delivery pipeline: the window
// calculator, the delivery gate that decides whether a candidate send may
// proceed, and the service that drives an approved send through the transport
// and finalizes the audit ledger.
//
// Dependency rule: notify imports store and email only. It never imports api
// or worker — both of those sit above it.
package notify

import "fmt"

// Kind identifies one class of transactional notification. The string value
// is stable: it is embedded in idempotency keys and stored on ledger rows, so
// it must never change once shipped.
type Kind string

const (
	KindSessionReport Kind = "SESSION_REPORT"
	KindWeeklyDigest  Kind = "WEEKLY_DIGEST"
)

// Kinds lists every known kind, in a fixed order.
var Kinds = []Kind{KindSessionReport, KindWeeklyDigest}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSessionReport, KindWeeklyDigest:
		return true
	}
	return false
}

// IdempotencyKey derives the deterministic key for one logical notification
// event. The format is stable across process restarts:
//
//	"{kind}:{recipient}:{event_identifier}"
//
// eventID is a session id for session reports and a week-start date
// (YYYY-MM-DD) for weekly digests.
func IdempotencyKey(kind Kind, recipient, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", kind, recipient, eventID)
}

// Package email defines the transport adapter for transactional email and
// provides a Resend-backed implementation plus a console implementation for
// development. The pipeline's responsibility ends at Deliver: bounce handling
// and post-acceptance retries belong to the provider.
package email

import "context"

// Message is one fully-assembled email handed to a Sender.
type Message struct {
	To      string
	Subject string
	HTML    string

	// UnsubscribeToken is the recipient's management token. Senders that
	// support it derive the one-click-unsubscribe headers from this; empty
	// means omit the headers.
	UnsubscribeToken string
}

// Sender attempts physical delivery of one message. Implementations must
// honour ctx cancellation — the service runs Deliver under a timeout and
// records a timed-out attempt as failed.
//
// Tests inject a stub that records calls without hitting the network.
type Sender interface {
	Deliver(ctx context.Context, m Message) error
}

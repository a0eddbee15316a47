// Package provider defines the capability the dispatch engine sends email
// through. It is a single method — send — per spec §6. This package also
// holds an SMTP implementation (SMTPProvider) and an in-memory Fake.
package provider

import "context"

// ErrorClass categorizes a failed send for the Worker/Retry Controller's
// error-routing decision.
type ErrorClass string

const (
	ErrorClassRetryable  ErrorClass = "retryable"
	ErrorClassPermanent  ErrorClass = "permanent"
	ErrorClassRateLimited ErrorClass = "rate_limited"
)

// Envelope is one outbound email, fully expanded (no remaining template
// tokens) by the time it reaches a Provider.
type Envelope struct {
	To      []string
	From    string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
	Tags    []string
}

// Result is what a Provider reports back for one Envelope.
type Result struct {
	OK         bool
	ID         string
	ErrorCode  string
	ErrorClass ErrorClass
}

// Provider is the capability the Worker and Retry Controller depend on.
type Provider interface {
	Send(ctx context.Context, envelope Envelope) (Result, error)
}

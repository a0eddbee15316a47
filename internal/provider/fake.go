package provider

import "context"

// Fake is an in-memory Provider for tests: each Send call is routed through
// SendFunc if set, else reports OK. Calls are recorded in Sent for assertions.
type Fake struct {
	SendFunc func(ctx context.Context, envelope Envelope) (Result, error)
	Sent     []Envelope
}

func (f *Fake) Send(ctx context.Context, envelope Envelope) (Result, error) {
	f.Sent = append(f.Sent, envelope)
	if f.SendFunc != nil {
		return f.SendFunc(ctx, envelope)
	}
	return Result{OK: true, ID: "fake-" + envelope.To[0]}, nil
}

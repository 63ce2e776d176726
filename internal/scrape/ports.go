package scrape

import "context"

// Client issues commands to the collaborator API.
type Client interface {
	// Submit starts a job and returns its handle, or a *SubmissionError.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Cancel asks the collaborator to stop a job. Failures are *CancellationError.
	Cancel(ctx context.Context, req CancelRequest) error
}

// Transport opens progress subscriptions keyed by job handle.
type Transport interface {
	Open(ctx context.Context, handle string) (Subscription, error)
}

// Subscription is an ordered feed of raw progress messages for one job.
// Recv returns io.EOF when the server closes the feed cleanly. Close must be
// safe to call more than once.
type Subscription interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

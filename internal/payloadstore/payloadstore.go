// Package payloadstore persists the raw webhook body under a
// time-partitioned key so a bot can later fetch the original payload
// by event_id, and so replay can re-list everything delivered in a
// time range.
package payloadstore

import (
	"context"
	"net/http"
	"time"
)

// Store is the interface every backing implementation satisfies.
type Store interface {
	// Put persists data under a key derived from eventID and the
	// current time, returning the URL a consumer can use to fetch it
	// back (e.g. an s3:// URI).
	Put(ctx context.Context, eventID string, data []byte) (url string, err error)

	// List returns the keys written between from and to (inclusive),
	// for the replay operation.
	List(ctx context.Context, from, to string) ([]string, error)

	// Get fetches a previously stored payload by the key List returned.
	Get(ctx context.Context, key string) ([]byte, error)
}

// Record is the JSON shape the ingress handler persists for each
// delivery: the raw body plus enough of the original request for
// replay to resubmit it through the same provider descriptor.
type Record struct {
	ProviderID string      `json:"provider_id"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

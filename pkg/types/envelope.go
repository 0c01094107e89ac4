// Package types holds the wire-level data model shared between the
// ingress pipeline and the queue publisher: the canonical envelope and
// its constituent value types.
package types

import (
	"encoding/json"
	"regexp"
	"time"
)

// Envelope is the canonical message produced by normalisation and
// consumed by the router and publisher. Field names and JSON tags follow
// the wire format published to bot queues.
type Envelope struct {
	EventID      string          `json:"event_id"`
	ProcessedAt  time.Time       `json:"processed_at"`
	DeliveryID   string          `json:"delivery_id"`
	Repository   Repository      `json:"repository"`
	Entity       Entity          `json:"entity"`
	SessionKey   string          `json:"session_key,omitempty"`
	EventType    EventType       `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     Metadata        `json:"metadata"`
	TraceContext TraceContext    `json:"trace_context"`
}

// Repository identifies the GitHub (or provider-equivalent) repository an
// event belongs to. FullName always equals Owner + "/" + Name.
type Repository struct {
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	ID       string `json:"id,omitempty"`
	Private  *bool  `json:"private,omitempty"`
}

// EntityType enumerates the recognised entity kinds an event can target.
type EntityType string

const (
	EntityPullRequest EntityType = "pull_request"
	EntityIssue       EntityType = "issue"
	EntityRepository  EntityType = "repository"
	EntityCheckRun    EntityType = "check_run"
	EntityCheckSuite  EntityType = "check_suite"
	EntityDiscussion  EntityType = "discussion"
	EntityRelease     EntityType = "release"
	EntityOther       EntityType = "other"
)

// Entity identifies the specific resource an event concerns. When Type is
// EntityOther, Ref carries the original event tag.
type Entity struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
	Ref  string     `json:"ref,omitempty"`
}

// EventType is the provider event name plus its optional action, e.g.
// {"pull_request", "opened"}.
type EventType struct {
	Event  string  `json:"event"`
	Action *string `json:"action,omitempty"`
}

// String renders "event" or "event.action" for pattern matching and logs.
func (e EventType) String() string {
	if e.Action == nil || *e.Action == "" {
		return e.Event
	}
	return e.Event + "." + *e.Action
}

// Metadata carries processing provenance alongside the envelope.
type Metadata struct {
	SchemaVersion    string     `json:"schema_version"`
	RoutedTo         []string   `json:"routed_to"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	PayloadStoreURL  string     `json:"payload_store_url"`
	IsReplay         bool       `json:"is_replay"`
	SourceTimestamp  *time.Time `json:"source_timestamp,omitempty"`
	SignatureValid   *bool      `json:"signature_valid,omitempty"`
}

// TraceContext propagates distributed-tracing identity across the
// transport hop to downstream consumers inside the JSON envelope body;
// it is not attached as separate transport message attributes. No
// ambient thread-local state is required.
type TraceContext struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// SchemaVersion is stamped on every envelope this build produces.
const SchemaVersion = "1.0"

// SessionKeyPattern is the shape every session key must match when
// present. The type segment enumerates every EntityType this package
// declares, since entity-ordering-scope keys embed the entity type
// verbatim; repository-ordering-scope keys reuse the "repository" type
// with a constant "all" id so every key carries four segments.
var SessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+/(pull_request|issue|repository|check_run|check_suite|discussion|release|other)/[A-Za-z0-9._-]+$`)

// MaxEventIDLen and MaxSessionKeyLen bound the identifiers to the
// cloud-queue session/correlation id length ceiling.
const (
	MaxEventIDLen    = 256
	MaxSessionKeyLen = 256
)

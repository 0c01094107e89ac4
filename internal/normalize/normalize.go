// Package normalize converts a verified webhook delivery into the
// canonical envelope, dispatching on provider kind and, for generic
// providers, processing mode.
package normalize

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pvandervelde/queue-keeper/internal/idgen"
	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// Request is the raw material normalisation needs: the request
// headers, the raw request body (already verified against the
// signature), and the signature-verification outcome to stamp into
// metadata.
type Request struct {
	Headers        http.Header
	Body           []byte
	SignatureValid *bool
	ReceivedAt     time.Time

	// EventID, when non-empty, is stamped onto the envelope instead of
	// generating a fresh ULID. The ingress handler sets this so the
	// payload-store key (written before normalisation) and the
	// envelope's event_id always agree; replay sets it to preserve the
	// original event's identity.
	EventID string
}

// Normalise builds a canonical Envelope for desc's kind and mode.
func Normalise(desc types.ProviderDescriptor, req Request) (*types.Envelope, error) {
	switch desc.Kind {
	case types.ProviderGitHub:
		return normaliseGitHub(req)
	case types.ProviderGeneric:
		switch desc.Mode {
		case types.ModeDirect:
			return normaliseDirect(desc, req)
		case types.ModeWrap:
			return normaliseWrap(desc, req)
		default:
			return nil, fmt.Errorf("normalize: unknown processing mode %q", desc.Mode)
		}
	default:
		return nil, fmt.Errorf("normalize: unknown provider kind %q", desc.Kind)
	}
}

func baseEnvelope(req Request) *types.Envelope {
	start := time.Now()
	eventID := req.EventID
	if eventID == "" {
		eventID = idgen.ULID()
	}
	return &types.Envelope{
		EventID:     eventID,
		ProcessedAt: start,
		Payload:     json.RawMessage(req.Body),
		Metadata: types.Metadata{
			SchemaVersion:  types.SchemaVersion,
			SignatureValid: req.SignatureValid,
		},
	}
}

func stampProcessingTime(env *types.Envelope, start time.Time) {
	env.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
}

// githubRepoPayload is the subset of the GitHub webhook body every
// event type carries.
type githubRepoPayload struct {
	Action     *string `json:"action"`
	Repository *struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		ID       int64  `json:"id"`
		Private  *bool  `json:"private"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	PullRequest *struct {
		Number int64 `json:"number"`
	} `json:"pull_request"`
	Issue *struct {
		Number int64 `json:"number"`
	} `json:"issue"`
	CheckRun *struct {
		ID int64 `json:"id"`
	} `json:"check_run"`
	CheckSuite *struct {
		ID int64 `json:"id"`
	} `json:"check_suite"`
	Discussion *struct {
		Number int64 `json:"number"`
	} `json:"discussion"`
	Ref *string `json:"ref"`
}

func normaliseGitHub(req Request) (*types.Envelope, error) {
	start := time.Now()
	env := baseEnvelope(req)
	env.DeliveryID = req.Headers.Get("X-GitHub-Delivery")

	eventName := req.Headers.Get("X-GitHub-Event")
	if eventName == "" {
		return nil, fmt.Errorf("normalize: missing X-GitHub-Event header")
	}

	var payload githubRepoPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, fmt.Errorf("normalize: decode github payload: %w", err)
	}

	env.EventType = types.EventType{Event: eventName, Action: payload.Action}

	if payload.Repository != nil {
		env.Repository = types.Repository{
			Owner:    payload.Repository.Owner.Login,
			Name:     payload.Repository.Name,
			FullName: payload.Repository.FullName,
			ID:       strconv.FormatInt(payload.Repository.ID, 10),
			Private:  payload.Repository.Private,
		}
	}

	env.Entity = githubEntity(eventName, payload)

	stampProcessingTime(env, start)
	return env, nil
}

// githubEntity maps an event name onto the canonical entity type and
// id, per the event/entity correspondence table: pull_request ->
// pull_request, issues -> issue, push/release/create/delete ->
// repository, check_run -> check_run, check_suite -> check_suite,
// discussion/discussion_comment -> discussion, everything else ->
// other(event name).
func githubEntity(eventName string, payload githubRepoPayload) types.Entity {
	switch eventName {
	case "pull_request", "pull_request_review", "pull_request_review_comment":
		if payload.PullRequest != nil {
			return types.Entity{Type: types.EntityPullRequest, ID: strconv.FormatInt(payload.PullRequest.Number, 10)}
		}
	case "issues", "issue_comment":
		if payload.Issue != nil {
			return types.Entity{Type: types.EntityIssue, ID: strconv.FormatInt(payload.Issue.Number, 10)}
		}
	case "check_run":
		if payload.CheckRun != nil {
			return types.Entity{Type: types.EntityCheckRun, ID: strconv.FormatInt(payload.CheckRun.ID, 10)}
		}
	case "check_suite":
		if payload.CheckSuite != nil {
			return types.Entity{Type: types.EntityCheckSuite, ID: strconv.FormatInt(payload.CheckSuite.ID, 10)}
		}
	case "discussion", "discussion_comment":
		if payload.Discussion != nil {
			return types.Entity{Type: types.EntityDiscussion, ID: strconv.FormatInt(payload.Discussion.Number, 10)}
		}
	case "push", "release", "create", "delete":
		// Repository-scoped events share the literal "repository" id so
		// they all land in one ordering group; the git ref (when the
		// event carries one) rides along in Ref.
		ref := ""
		if payload.Ref != nil {
			ref = *payload.Ref
		}
		return types.Entity{Type: types.EntityRepository, ID: "repository", Ref: ref}
	}
	return types.Entity{Type: types.EntityOther, Ref: eventName}
}

// normaliseDirect handles a generic provider in direct mode: the body
// is passed through unchanged, and event_type/delivery_id come from the
// configured field sources rather than a fixed header convention.
func normaliseDirect(desc types.ProviderDescriptor, req Request) (*types.Envelope, error) {
	start := time.Now()
	env := baseEnvelope(req)

	var body map[string]interface{}
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("normalize: decode generic direct payload: %w", err)
		}
	}

	eventName, action, err := resolveEventType(desc.EventTypeSource, req, body)
	if err != nil {
		return nil, err
	}
	env.EventType = types.EventType{Event: eventName, Action: action}

	deliveryID, err := resolveFieldSource(desc.DeliveryIDSource, req, body)
	if err != nil {
		return nil, err
	}
	env.DeliveryID = deliveryID

	env.Entity = types.Entity{Type: types.EntityOther, Ref: eventName}

	stampProcessingTime(env, start)
	return env, nil
}

// normaliseWrap handles a generic provider in wrap mode: repository and
// entity are extracted from configured dot-paths into the body, and the
// original body is carried as Payload unchanged.
func normaliseWrap(desc types.ProviderDescriptor, req Request) (*types.Envelope, error) {
	start := time.Now()
	env := baseEnvelope(req)

	if desc.FieldExtraction == nil {
		return nil, fmt.Errorf("normalize: wrap mode provider %s missing field_extraction", desc.ID)
	}

	var body map[string]interface{}
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("normalize: decode generic wrap payload: %w", err)
		}
	}

	repoRaw, _ := dotPath(body, desc.FieldExtraction.RepositoryPath)
	repoStr, _ := repoRaw.(string)
	owner, name := splitFullName(repoStr)
	env.Repository = types.Repository{Owner: owner, Name: name, FullName: repoStr}

	entityRaw, _ := dotPath(body, desc.FieldExtraction.EntityPath)
	env.Entity = types.Entity{Type: types.EntityOther, ID: fmt.Sprintf("%v", entityRaw)}

	eventName, action, err := resolveEventType(desc.EventTypeSource, req, body)
	if err != nil {
		return nil, err
	}
	if desc.FieldExtraction.ActionPath != "" {
		if a, ok := dotPath(body, desc.FieldExtraction.ActionPath); ok {
			s := fmt.Sprintf("%v", a)
			action = &s
		}
	}
	env.EventType = types.EventType{Event: eventName, Action: action}
	env.Entity.Ref = eventName

	stampProcessingTime(env, start)
	return env, nil
}

func resolveEventType(src *types.FieldSource, req Request, body map[string]interface{}) (string, *string, error) {
	if src == nil {
		return "", nil, fmt.Errorf("normalize: missing event_type_source")
	}
	v, err := resolveFieldSource(src, req, body)
	if err != nil {
		return "", nil, err
	}
	return v, nil, nil
}

func resolveFieldSource(src *types.FieldSource, req Request, body map[string]interface{}) (string, error) {
	if src == nil {
		return "", nil
	}
	switch src.Kind {
	case types.FieldSourceHeader:
		return req.Headers.Get(src.Name), nil
	case types.FieldSourceJSONPath:
		v, ok := dotPath(body, src.Path)
		if !ok {
			return "", fmt.Errorf("normalize: json_path %q not found in payload", src.Path)
		}
		return fmt.Sprintf("%v", v), nil
	case types.FieldSourceStatic:
		return src.Value, nil
	case types.FieldSourceAutoGenerate:
		return idgen.ULID(), nil
	default:
		return "", fmt.Errorf("normalize: unknown field source kind %q", src.Kind)
	}
}

// dotPath resolves a dotted path like "repository.full_name" against a
// decoded JSON object.
func dotPath(body map[string]interface{}, path string) (interface{}, bool) {
	if path == "" || body == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur interface{} = body
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitFullName(fullName string) (owner, name string) {
	idx := strings.Index(fullName, "/")
	if idx < 0 {
		return "", fullName
	}
	return fullName[:idx], fullName[idx+1:]
}

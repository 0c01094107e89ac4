package normalize

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvandervelde/queue-keeper/pkg/types"
)

func headers(kv map[string]string) http.Header {
	h := http.Header{}
	for k, v := range kv {
		h.Set(k, v)
	}
	return h
}

func TestNormaliseGitHubPullRequest(t *testing.T) {
	body := []byte(`{
		"action": "opened",
		"pull_request": {"number": 42},
		"repository": {"name": "widgets", "full_name": "acme/widgets", "id": 7, "owner": {"login": "acme"}}
	}`)

	env, err := Normalise(types.ProviderDescriptor{Kind: types.ProviderGitHub, ID: "github"}, Request{
		Headers:    headers(map[string]string{"X-GitHub-Event": "pull_request", "X-GitHub-Delivery": "d-1"}),
		Body:       body,
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, "d-1", env.DeliveryID)
	assert.Equal(t, "pull_request", env.EventType.Event)
	require.NotNil(t, env.EventType.Action)
	assert.Equal(t, "opened", *env.EventType.Action)
	assert.Equal(t, types.EntityPullRequest, env.Entity.Type)
	assert.Equal(t, "42", env.Entity.ID)
	assert.Equal(t, "acme", env.Repository.Owner)
	assert.Equal(t, "widgets", env.Repository.Name)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, types.SchemaVersion, env.Metadata.SchemaVersion)
}

func TestNormaliseGitHubPushIsRepositoryEntity(t *testing.T) {
	body := []byte(`{"ref": "refs/heads/main", "repository": {"name": "widgets", "full_name": "acme/widgets", "id": 1, "owner": {"login": "acme"}}}`)

	env, err := Normalise(types.ProviderDescriptor{Kind: types.ProviderGitHub}, Request{
		Headers: headers(map[string]string{"X-GitHub-Event": "push"}),
		Body:    body,
	})
	require.NoError(t, err)
	assert.Equal(t, types.EntityRepository, env.Entity.Type)
	assert.Equal(t, "repository", env.Entity.ID)
	assert.Equal(t, "refs/heads/main", env.Entity.Ref)
}

func TestNormaliseGitHubReleaseIsRepositoryEntity(t *testing.T) {
	body := []byte(`{"action": "published", "release": {"id": 55}, "repository": {"name": "widgets", "full_name": "acme/widgets", "id": 1, "owner": {"login": "acme"}}}`)

	env, err := Normalise(types.ProviderDescriptor{Kind: types.ProviderGitHub}, Request{
		Headers: headers(map[string]string{"X-GitHub-Event": "release"}),
		Body:    body,
	})
	require.NoError(t, err)
	assert.Equal(t, types.EntityRepository, env.Entity.Type)
	assert.Equal(t, "repository", env.Entity.ID)
}

func TestNormaliseGitHubUnknownEventIsOther(t *testing.T) {
	body := []byte(`{"repository": {"name": "widgets", "full_name": "acme/widgets", "id": 1, "owner": {"login": "acme"}}}`)

	env, err := Normalise(types.ProviderDescriptor{Kind: types.ProviderGitHub}, Request{
		Headers: headers(map[string]string{"X-GitHub-Event": "star"}),
		Body:    body,
	})
	require.NoError(t, err)
	assert.Equal(t, types.EntityOther, env.Entity.Type)
	assert.Equal(t, "star", env.Entity.Ref)
}

func TestNormaliseGitHubMissingEventHeaderErrors(t *testing.T) {
	_, err := Normalise(types.ProviderDescriptor{Kind: types.ProviderGitHub}, Request{
		Headers: headers(nil),
		Body:    []byte(`{}`),
	})
	assert.Error(t, err)
}

func TestNormaliseGenericDirect(t *testing.T) {
	desc := types.ProviderDescriptor{
		Kind:            types.ProviderGeneric,
		Mode:            types.ModeDirect,
		TargetQueue:     "custom-queue",
		EventTypeSource: &types.FieldSource{Kind: types.FieldSourceHeader, Name: "X-Event-Type"},
		DeliveryIDSource: &types.FieldSource{Kind: types.FieldSourceAutoGenerate},
	}

	env, err := Normalise(desc, Request{
		Headers: headers(map[string]string{"X-Event-Type": "deployment"}),
		Body:    []byte(`{"status": "success"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "deployment", env.EventType.Event)
	assert.NotEmpty(t, env.DeliveryID)
}

func TestNormaliseGenericWrap(t *testing.T) {
	desc := types.ProviderDescriptor{
		Kind: types.ProviderGeneric,
		Mode: types.ModeWrap,
		FieldExtraction: &types.FieldExtraction{
			RepositoryPath: "repo.full_name",
			EntityPath:     "pr.id",
			ActionPath:     "pr.action",
		},
		EventTypeSource: &types.FieldSource{Kind: types.FieldSourceStatic, Value: "ci_event"},
	}

	body := []byte(`{"repo": {"full_name": "acme/widgets"}, "pr": {"id": 99, "action": "opened"}}`)

	env, err := Normalise(desc, Request{Headers: headers(nil), Body: body})
	require.NoError(t, err)
	assert.Equal(t, "acme", env.Repository.Owner)
	assert.Equal(t, "widgets", env.Repository.Name)
	assert.Equal(t, "99", env.Entity.ID)
	assert.Equal(t, "ci_event", env.EventType.Event)
	require.NotNil(t, env.EventType.Action)
	assert.Equal(t, "opened", *env.EventType.Action)
}

func TestNormaliseWrapMissingFieldExtractionErrors(t *testing.T) {
	desc := types.ProviderDescriptor{Kind: types.ProviderGeneric, Mode: types.ModeWrap}
	_, err := Normalise(desc, Request{Headers: headers(nil), Body: []byte(`{}`)})
	assert.Error(t, err)
}

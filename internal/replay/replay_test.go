package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvandervelde/queue-keeper/internal/concurrency"
	"github.com/pvandervelde/queue-keeper/internal/payloadstore"
	"github.com/pvandervelde/queue-keeper/internal/provider"
	"github.com/pvandervelde/queue-keeper/internal/publisher"
	"github.com/pvandervelde/queue-keeper/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRunner(t *testing.T, store payloadstore.Store, descriptors []types.ProviderDescriptor, subs []types.BotSubscription) (*Runner, *publisher.MemoryQueue) {
	t.Helper()

	registry, err := provider.NewRegistry(descriptors)
	require.NoError(t, err)

	queue := publisher.NewMemoryQueue()
	governor := concurrency.NewGovernor(10, 10)

	return &Runner{
		Store:         store,
		Providers:     registry,
		Subscriptions: subs,
		Publisher:     publisher.New(queue, nil, nil, governor),
	}, queue
}

func seedRecord(t *testing.T, store payloadstore.Store, eventID string, rec payloadstore.Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), eventID, data)
	require.NoError(t, err)
}

func TestReplayResubmitsDirectModeDeliveryPreservingEventID(t *testing.T) {
	descriptors := []types.ProviderDescriptor{
		{
			ID:               "jira",
			Kind:             types.ProviderGeneric,
			Mode:             types.ModeDirect,
			TargetQueue:      "queue-keeper-jira",
			EventTypeSource:  &types.FieldSource{Kind: types.FieldSourceStatic, Value: "issue_updated"},
			DeliveryIDSource: &types.FieldSource{Kind: types.FieldSourceAutoGenerate},
		},
	}
	store := payloadstore.NewMemoryStore()
	seedRecord(t, store, "01HXYZREPLAYME", payloadstore.Record{
		ProviderID: "jira",
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"issue":"QK-1"}`),
		StoredAt:   time.Now(),
	})

	runner, queue := newTestRunner(t, store, descriptors, nil)

	engine := gin.New()
	engine.POST("/admin/replay", runner.HandleReplay)

	reqBody := []byte(`{"from":"year=2000","to":"year=2100"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/replay", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, queue.Messages(), 1)

	var env types.Envelope
	require.NoError(t, json.Unmarshal(queue.Messages()[0].Body, &env))
	assert.Equal(t, "01HXYZREPLAYME", env.EventID)
	assert.True(t, env.Metadata.IsReplay)
}

func TestReplayWithNoKeysInRangeReturnsEmptyResults(t *testing.T) {
	store := payloadstore.NewMemoryStore()
	runner, queue := newTestRunner(t, store, nil, nil)

	engine := gin.New()
	engine.POST("/admin/replay", runner.HandleReplay)

	req := httptest.NewRequest(http.MethodPost, "/admin/replay", bytes.NewReader([]byte(`{"from":"year=2000","to":"year=2100"}`)))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, queue.Messages())
	assert.Contains(t, rec.Body.String(), `"replayed":0`)
}

func TestReplayMissingFromOrToReturns400(t *testing.T) {
	store := payloadstore.NewMemoryStore()
	runner, _ := newTestRunner(t, store, nil, nil)

	engine := gin.New()
	engine.POST("/admin/replay", runner.HandleReplay)

	req := httptest.NewRequest(http.MethodPost, "/admin/replay", bytes.NewReader([]byte(`{"from":"year=2000"}`)))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplaySkipsRecordWithUnregisteredProvider(t *testing.T) {
	store := payloadstore.NewMemoryStore()
	seedRecord(t, store, "01HUNKNOWNPROVIDER", payloadstore.Record{
		ProviderID: "vanished",
		Headers:    http.Header{},
		Body:       []byte(`{}`),
		StoredAt:   time.Now(),
	})

	runner, queue := newTestRunner(t, store, nil, nil)

	engine := gin.New()
	engine.POST("/admin/replay", runner.HandleReplay)

	req := httptest.NewRequest(http.MethodPost, "/admin/replay", bytes.NewReader([]byte(`{"from":"year=2000","to":"year=2100"}`)))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, queue.Messages())
	assert.Contains(t, rec.Body.String(), "provider no longer registered")
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/infrastructure/queue"
	"ListingRadar/internal/infrastructure/storage"
	"ListingRadar/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type okTransport struct{}

func (okTransport) Deliver(context.Context, string, string) error { return nil }

type apiEnv struct {
	router *gin.Engine
	store  *storage.BadgerRepository
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemoryQueue(1, 64, logger)
	t.Cleanup(func() { _ = q.Close() })

	dispatcher := usecase.NewDispatcher(usecase.DispatcherDeps{
		Filters: store, Deliveries: store, Messages: store, Transport: okTransport{}, Logger: logger,
	})
	router := NewRouter(Deps{
		Ingestor: usecase.NewIngestor(store, q, logger),
		Retrier: usecase.NewRetrier(usecase.RetrierDeps{
			Messages: store, Records: store, Deliveries: store, Queue: q, Dispatcher: dispatcher, Logger: logger,
		}),
		Filters: usecase.NewFilterService(store),
		Stats:   store,
		Logger:  logger,
	})
	return &apiEnv{router: router, store: store}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestIngestEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	payload := map[string]any{
		"channel_id":  -1001234,
		"message_id":  77,
		"body":        "Сдаю 1к квартиру",
		"observed_at": time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		"counters":    map[string]int{"views": 10},
	}

	w := env.do(t, http.MethodPost, "/api/v1/messages", payload)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/messages", payload)
	require.Equal(t, http.StatusOK, w.Code)
	var res usecase.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Created)
	assert.Equal(t, domain.MessageKey{ChannelID: -1001234, MessageID: 77}, res.Key)

	w = env.do(t, http.MethodPost, "/api/v1/messages", map[string]any{"channel_id": 1, "message_id": 1, "body": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Messages[domain.MessagePending])
}

func TestRetryEndpoints(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	ctx := context.Background()
	key := domain.MessageKey{ChannelID: 5, MessageID: 9}
	now := time.Now().UTC()

	_, _, err := env.store.CreateMessage(ctx, domain.RawMessage{Key: key, Body: "x", Status: domain.MessagePending, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/v1/messages/5/9/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "pending messages cannot be retried")

	require.NoError(t, env.store.UpdateMessageStatus(ctx, key, domain.StatusChange{From: domain.MessagePending, To: domain.MessageProcessing, At: now}))
	require.NoError(t, env.store.UpdateMessageStatus(ctx, key, domain.StatusChange{From: domain.MessageProcessing, To: domain.MessageFailed, FailureReason: "timeout", At: now}))

	w = env.do(t, http.MethodPost, "/api/v1/messages/5/9/retry", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"pending"`)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/messages/abc/9/retry", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/messages/5/10/retry", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/deliveries/nope/retry", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/records/nope/dispatch", nil).Code)
}

func TestFilterCRUD(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/filters", map[string]any{
		"owner_id":  "100",
		"name":      "two rooms",
		"rooms":     map[string]int{"min": 2, "max": 2},
		"prices":    []map[string]any{{"min": 400, "max": 500, "currency": "usd"}},
		"districts": []string{"Kentron"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created domain.SubscriberFilter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Active)
	assert.Equal(t, "USD", created.Prices[0].Currency)

	w = env.do(t, http.MethodPost, "/api/v1/filters", map[string]any{
		"owner_id": "100",
		"prices":   []map[string]any{{"min": 500, "max": 400, "currency": "USD"}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/filters/"+created.ID, map[string]any{"owner_id": "100", "active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated domain.SubscriberFilter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.False(t, updated.Active)
	assert.Empty(t, updated.Prices)

	w = env.do(t, http.MethodGet, "/api/v1/filters?owner_id=100", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/filters/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/v1/filters/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/filters/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPut, "/api/v1/filters/missing", map[string]any{"owner_id": "1"}).Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrStatusConflict))
	assert.Equal(t, http.StatusBadGateway, statusFor(domain.NewExternalError("telegram deliver", io.EOF)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

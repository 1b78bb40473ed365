package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/reviewpulse/insightd/internal/admission"
	"github.com/reviewpulse/insightd/internal/cache"
	cachememory "github.com/reviewpulse/insightd/internal/cache/memory"
	"github.com/reviewpulse/insightd/internal/dedup"
	"github.com/reviewpulse/insightd/internal/downstream"
	"github.com/reviewpulse/insightd/internal/hub"
	"github.com/reviewpulse/insightd/internal/hub/ws"
	"github.com/reviewpulse/insightd/internal/id/uuid"
	"github.com/reviewpulse/insightd/internal/orchestrator"
	storememory "github.com/reviewpulse/insightd/internal/store/memory"
)

type okDispatcher struct{}

func (okDispatcher) Dispatch(context.Context, downstream.DispatchRequest) (downstream.Acceptance, error) {
	return downstream.Acceptance{Status: "accepted", EstimatedTimeSeconds: 45}, nil
}

func newTestServer(t *testing.T, policies map[string]admission.Policy) (*httptest.Server, *hub.Hub) {
	t.Helper()
	if policies == nil {
		policies = map[string]admission.Policy{
			"job-creation": {WindowDuration: time.Minute, MaxCount: 100},
			"generic-api":  {WindowDuration: time.Minute, MaxCount: 1000},
		}
	}

	s := storememory.NewJobStore()
	c := cache.New(cachememory.New(), nil)
	h := hub.New(time.Second, nil)
	t.Cleanup(h.Close)
	coord := dedup.New(s, uuid.NewGenerator(), nil, nil)
	orch := orchestrator.New(coord, s, c, okDispatcher{}, h, orchestrator.Config{}, nil)
	adm := admission.New(policies, nil)

	srv := httptest.NewServer(NewServer(orch, adm, ws.NewHandler(h, nil), nil, Config{}, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, h
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, resp.Body.Close()) })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitThenDuplicate(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/v1/analyses", submitRequest{
		SubjectID: "P1", RequesterID: "client-a", Kind: "review-analysis",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decode[submitResponse](t, resp)
	require.True(t, first.Created)
	require.NotEmpty(t, first.TaskID)
	require.Equal(t, 45, first.EstimatedTimeSeconds)

	resp = postJSON(t, srv.URL+"/v1/analyses", submitRequest{
		SubjectID: "P1", RequesterID: "client-a", Kind: "review-analysis",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[submitResponse](t, resp)
	require.False(t, second.Created)
	require.Equal(t, first.TaskID, second.TaskID)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/v1/analyses", submitRequest{SubjectID: "P1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/analyses/missing")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCallbackDrivesLifecycle(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/v1/analyses", submitRequest{
		SubjectID: "P1", RequesterID: "client-a", Kind: "review-analysis",
	})
	taskID := decode[submitResponse](t, resp).TaskID

	resp = postJSON(t, srv.URL+"/v1/callbacks/analysis", callbackRequest{
		TaskID: taskID, Status: "processing", Progress: 40, Message: "crunching",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/callbacks/analysis", callbackRequest{
		TaskID: taskID, Status: "completed", Result: json.RawMessage(`{"score":4.2}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Result is served with its payload.
	res, err := http.Get(srv.URL + "/v1/analyses/" + taskID + "/result")
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[map[string]json.RawMessage](t, res)
	require.JSONEq(t, `{"score":4.2}`, string(body["payload"]))

	// Retrying a completed job is a state-machine violation.
	resp = postJSON(t, srv.URL+"/v1/analyses/"+taskID+"/retry", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestResultBeforeCompletionConflicts(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/v1/analyses", submitRequest{
		SubjectID: "P1", RequesterID: "client-a", Kind: "review-analysis",
	})
	taskID := decode[submitResponse](t, resp).TaskID

	res, err := http.Get(srv.URL + "/v1/analyses/" + taskID + "/result")
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/v1/analyses", submitRequest{
		SubjectID: "P1", RequesterID: "client-a", Kind: "review-analysis",
	})
	taskID := decode[submitResponse](t, resp).TaskID

	resp = postJSON(t, srv.URL+"/v1/analyses/"+taskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]map[string]any](t, resp)
	require.Equal(t, "FAILED", body["job"]["status"])
	require.Equal(t, "cancelled", body["job"]["error_message"])
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, map[string]admission.Policy{
		"job-creation": {WindowDuration: time.Minute, MaxCount: 1},
		"generic-api":  {WindowDuration: time.Minute, MaxCount: 1000},
	})

	resp := postJSON(t, srv.URL+"/v1/analyses", submitRequest{
		SubjectID: "P1", RequesterID: "client-a", Kind: "review-analysis",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/analyses", submitRequest{
		SubjectID: "P2", RequesterID: "client-a", Kind: "review-analysis",
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Another requester is unaffected.
	resp = postJSON(t, srv.URL+"/v1/analyses", submitRequest{
		SubjectID: "P3", RequesterID: "client-b", Kind: "review-analysis",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

// TestWebsocketSubscribeThroughServer dials /v1/ws through the full middleware
// chain; the upgrade must hijack the connection despite the wrapping response
// writers.
func TestWebsocketSubscribeThroughServer(t *testing.T) {
	t.Parallel()

	srv, h := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?rooms=analysis:T1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		require.NoError(t, resp.Body.Close())
	}
	defer func() { require.NoError(t, conn.Close()) }()

	require.Eventually(t, func() bool {
		return h.SubscriberCount("analysis:T1") == 1
	}, time.Second, 10*time.Millisecond)

	h.Publish(context.Background(), "analysis:T1", hub.Event{
		Name: "status-update",
		Data: map[string]any{"task_id": "T1", "status": "PROCESSING"},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev hub.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "status-update", ev.Name)
	require.Equal(t, "analysis:T1", ev.Room)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.NoError(t, resp.Body.Close())
	}
}

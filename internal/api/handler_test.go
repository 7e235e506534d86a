package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/engine"
	"github.com/parcelpost/relay/internal/store"
	"github.com/parcelpost/relay/internal/tracking"
)

// fakeDispatcher scripts engine responses for handler tests.
type fakeDispatcher struct {
	submitID      uuid.UUID
	submitErr     error
	statuses      map[uuid.UUID]*engine.StatusInfo
	cancelResult  bool
	retryResult   bool
	opens         []string
	clicks        []string
	outcomes      map[uuid.UUID]string
	appliedResult bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		submitID: uuid.New(),
		statuses: make(map[uuid.UUID]*engine.StatusInfo),
		outcomes: make(map[uuid.UUID]string),
	}
}

func (f *fakeDispatcher) Submit(ctx context.Context, req engine.SubmitRequest) (uuid.UUID, error) {
	if f.submitErr != nil {
		return uuid.Nil, f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeDispatcher) SubmitBatch(ctx context.Context, reqs []engine.SubmitRequest) (uuid.UUID, error) {
	if f.submitErr != nil {
		return uuid.Nil, f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeDispatcher) Status(ctx context.Context, id uuid.UUID) (*engine.StatusInfo, error) {
	info, ok := f.statuses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return info, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.cancelResult, nil
}

func (f *fakeDispatcher) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.retryResult, nil
}

func (f *fakeDispatcher) RecordOpenPing(ctx context.Context, trackingID string, meta tracking.Meta) {
	f.opens = append(f.opens, trackingID)
}

func (f *fakeDispatcher) RecordClickPing(ctx context.Context, trackingID, url string, meta tracking.Meta) string {
	f.clicks = append(f.clicks, trackingID)
	return url
}

func (f *fakeDispatcher) JobEngagement(ctx context.Context, id uuid.UUID) (*tracking.JobStats, error) {
	if _, ok := f.statuses[id]; !ok {
		return nil, store.ErrNotFound
	}
	return &tracking.JobStats{}, nil
}

func (f *fakeDispatcher) BatchEngagement(ctx context.Context, batchID uuid.UUID) (*store.BatchStats, error) {
	return &store.BatchStats{BatchID: batchID}, nil
}

func (f *fakeDispatcher) RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, outcome string) (bool, error) {
	f.outcomes[id] = outcome
	return f.appliedResult, nil
}

func (f *fakeDispatcher) BatchMessages(ctx context.Context, batchID uuid.UUID) ([]*engine.StatusInfo, error) {
	return []*engine.StatusInfo{{ID: uuid.New(), Status: store.StatusSent}}, nil
}

func (f *fakeDispatcher) Stats(ctx context.Context) (*engine.EngineStats, error) {
	return &engine.EngineStats{Jobs: map[string]int{store.StatusSent: 3}}, nil
}

func (f *fakeDispatcher) PauseDispatch()  {}
func (f *fakeDispatcher) ResumeDispatch() {}

func setupServer(t *testing.T) (*httptest.Server, *fakeDispatcher) {
	t.Helper()

	disp := newFakeDispatcher()
	handler := NewHandler(zap.NewNop(), disp)
	srv := httptest.NewServer(NewRouter(zap.NewNop(), handler, nil))
	t.Cleanup(srv.Close)
	return srv, disp
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestCreateMessage(t *testing.T) {
	srv, disp := setupServer(t)

	resp := postJSON(t, srv.URL+"/v1/messages", MessageRequest{
		Recipient: "user@example.com",
		Subject:   "hi",
		Body:      "hello",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var out MessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out.ID != disp.submitID.String() {
		t.Errorf("unexpected id %q", out.ID)
	}
}

func TestCreateMessage_MalformedBody(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateMessage_Suppressed(t *testing.T) {
	srv, disp := setupServer(t)
	disp.submitErr = engine.ErrSuppressed

	resp := postJSON(t, srv.URL+"/v1/messages", MessageRequest{
		Recipient: "optout@example.com",
		Body:      "sale!",
		Class:     store.ClassMarketing,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func TestCreateBatch(t *testing.T) {
	srv, disp := setupServer(t)

	resp := postJSON(t, srv.URL+"/v1/messages/batch", BatchRequest{
		Messages: []MessageRequest{
			{Recipient: "a@example.com", Body: "x"},
			{Recipient: "b@example.com", Body: "x"},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var out BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out.BatchID != disp.submitID.String() {
		t.Errorf("unexpected batch id %q", out.BatchID)
	}
}

func TestCreateBatch_Empty(t *testing.T) {
	srv, _ := setupServer(t)

	resp := postJSON(t, srv.URL+"/v1/messages/batch", BatchRequest{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetMessage(t *testing.T) {
	srv, disp := setupServer(t)

	id := uuid.New()
	disp.statuses[id] = &engine.StatusInfo{ID: id, Status: store.StatusSent, Attempts: 1}

	resp, err := http.Get(srv.URL + "/v1/messages/" + id.String())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var info engine.StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if info.Status != store.StatusSent {
		t.Errorf("unexpected status %q", info.Status)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/v1/messages/" + uuid.NewString())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetMessage_InvalidID(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/v1/messages/not-a-uuid")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCancelMessage(t *testing.T) {
	srv, disp := setupServer(t)
	disp.cancelResult = true

	resp := postJSON(t, srv.URL+"/v1/messages/"+uuid.NewString()+"/cancel", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCancelMessage_NotCancellable(t *testing.T) {
	srv, _ := setupServer(t)

	resp := postJSON(t, srv.URL+"/v1/messages/"+uuid.NewString()+"/cancel", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
}

func TestRetryMessage(t *testing.T) {
	srv, disp := setupServer(t)
	disp.retryResult = true

	resp := postJSON(t, srv.URL+"/v1/messages/"+uuid.NewString()+"/retry", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestTrackOpen(t *testing.T) {
	srv, disp := setupServer(t)

	resp, err := http.Get(srv.URL + "/track/open/some-token.gif")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	// The pixel comes back regardless of token validity.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/gif" {
		t.Errorf("expected image/gif, got %q", ct)
	}
	if len(disp.opens) != 1 || disp.opens[0] != "some-token" {
		t.Errorf("expected the open ping to be recorded, got %v", disp.opens)
	}
}

func TestTrackClick_Redirects(t *testing.T) {
	srv, disp := setupServer(t)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(srv.URL + "/track/click/some-token?url=https%3A%2F%2Fexample.com%2Fpromo")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://example.com/promo" {
		t.Errorf("unexpected redirect target %q", loc)
	}
	if len(disp.clicks) != 1 {
		t.Errorf("expected the click ping to be recorded, got %v", disp.clicks)
	}
}

func TestTrackClick_InvalidURL(t *testing.T) {
	srv, _ := setupServer(t)

	for _, target := range []string{"", "javascript%3Aalert(1)", "%2Frelative"} {
		resp, err := http.Get(srv.URL + "/track/click/some-token?url=" + target)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("url %q: expected 400, got %d", target, resp.StatusCode)
		}
	}
}

func TestDeliveryCallback(t *testing.T) {
	srv, disp := setupServer(t)
	disp.appliedResult = true

	id := uuid.New()
	resp := postJSON(t, srv.URL+"/v1/callbacks/delivery", map[string]string{
		"message_id": id.String(),
		"outcome":    store.StatusDelivered,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if disp.outcomes[id] != store.StatusDelivered {
		t.Errorf("expected the outcome to reach the engine, got %v", disp.outcomes)
	}
}

func TestGetQueueStats(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/v1/queue/stats")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var stats engine.EngineStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.Jobs[store.StatusSent] != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPauseResumeQueue(t *testing.T) {
	srv, _ := setupServer(t)

	for _, path := range []string{"/v1/queue/pause", "/v1/queue/resume"} {
		resp := postJSON(t, srv.URL+path, nil)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestListBatchMessages(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/v1/batches/" + uuid.NewString() + "/messages")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

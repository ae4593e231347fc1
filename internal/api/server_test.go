package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"usb-media-scheduler/internal/models"
	"usb-media-scheduler/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	srv := httptest.NewServer(New(st, nil, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func submitJob(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	body := `{"order_ref":"order-42","capacity":"64gb","preferences":{"files":["/srv/content/a.mp3"]},"volume_label":"TECHAURA"}`
	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out struct {
		Token  string `json:"token"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Token == "" || out.Status != models.StatusPending {
		t.Fatalf("unexpected submit response: %+v", out)
	}
	return out.Token
}

func TestSubmitAndStatus(t *testing.T) {
	srv, st := newTestServer(t)
	token := submitJob(t, srv)

	resp, err := http.Get(srv.URL + "/jobs/" + token)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != models.StatusPending || status.Progress != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}

	job, err := st.GetJobByToken(context.Background(), token)
	if err != nil {
		t.Fatalf("stored job missing: %v", err)
	}
	if job.OrderRef != "order-42" {
		t.Fatalf("expected order-42, got %s", job.OrderRef)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	for name, body := range map[string]string{
		"missing order_ref": `{"capacity":"64gb"}`,
		"missing capacity":  `{"order_ref":"o-1"}`,
		"invalid json":      `{not json`,
	} {
		resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}
}

func TestStatusUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/jobs/no-such-token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAppendAndListLogs(t *testing.T) {
	srv, _ := newTestServer(t)
	token := submitJob(t, srv)

	entry := `{"level":"warning","category":"validation","message":"file rejected","file_path":"/srv/content/a.mp3","error_code":"EMPTY_FILE"}`
	resp, err := http.Post(srv.URL+"/jobs/"+token+"/logs", "application/json", bytes.NewBufferString(entry))
	if err != nil {
		t.Fatalf("append log: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/jobs/" + token + "/logs")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Entries []models.LogEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out.Entries))
	}
	e := out.Entries[0]
	if e.Level != models.LevelWarning || e.Category != models.CategoryValidation || e.Message != "file rejected" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.ErrorCode == nil || *e.ErrorCode != "EMPTY_FILE" {
		t.Fatalf("error code not stored: %+v", e)
	}
}

func TestCancel(t *testing.T) {
	srv, st := newTestServer(t)
	token := submitJob(t, srv)

	resp, err := http.Post(srv.URL+"/jobs/"+token+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	job, _ := st.GetJobByToken(context.Background(), token)
	if job.Status != models.StatusCanceled {
		t.Fatalf("expected canceled, got %s", job.Status)
	}

	// Second cancel conflicts.
	resp, err = http.Post(srv.URL+"/jobs/"+token+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

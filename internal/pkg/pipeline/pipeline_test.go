package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lumoscan/lumoscan/app/models"
)

func testSession(t *testing.T) *models.ScanSession {
	t.Helper()
	session := &models.ScanSession{
		UUID:   "session-1",
		UserID: 7,
		Mode:   models.ScanModeFront,
		Status: models.ScanStatusAuthorized,
	}
	if err := session.SetImageHashes([]string{"aaaa", "bbbb"}); err != nil {
		t.Fatalf("hashes: %v", err)
	}
	return session
}

func newClient(url string) *Client {
	return &Client{
		BaseURL:    url,
		APIKey:     "pipeline-key",
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestProcessCompleted(t *testing.T) {
	var got analyzeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analyze" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer pipeline-key" {
			t.Errorf("missing auth header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(analyzeResponse{Status: "completed"})
	}))
	defer server.Close()

	if err := newClient(server.URL).Process(context.Background(), testSession(t)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.SessionUUID != "session-1" || got.UserID != 7 || len(got.ImageHashes) != 2 {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestProcessServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := newClient(server.URL).Process(context.Background(), testSession(t)); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestProcessIncompleteStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(analyzeResponse{Status: "failed", Error: "pose not detected"})
	}))
	defer server.Close()

	if err := newClient(server.URL).Process(context.Background(), testSession(t)); err == nil {
		t.Fatal("expected error on failed status")
	}
}

func TestProcessUnreachable(t *testing.T) {
	client := newClient("http://127.0.0.1:1")
	if err := client.Process(context.Background(), testSession(t)); err == nil {
		t.Fatal("expected connection error")
	}
}

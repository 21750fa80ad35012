package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loykin/renderd/internal/history"
	"github.com/loykin/renderd/internal/store"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		receivedBody   []byte
		receivedPath   string
		receivedMethod string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedPath = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "renderd-events")
	rec := store.Record{Key: "proj/a", Port: 11111, PID: 12345, Status: store.StatusRunning}
	event := history.NewEvent(history.EventStarted, rec, "")
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if want := "/renderd-events/_doc/" + event.ID; receivedPath != want {
		t.Errorf("Expected URL path %s, got: %s", want, receivedPath)
	}

	var got map[string]any
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if got["type"] != string(history.EventStarted) {
		t.Errorf("type = %v", got["type"])
	}
	if got["key"] != "proj/a" || got["port"] != float64(11111) || got["pid"] != float64(12345) {
		t.Errorf("unexpected body %v", got)
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	err := sink.Send(context.Background(), history.NewEvent(history.EventReaped, store.Record{Key: "k", Port: 1}, ""))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_RequiresID(t *testing.T) {
	sink := New("http://127.0.0.1:1", "idx")
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStale}); err == nil {
		t.Fatal("expected error for event without id")
	}
}

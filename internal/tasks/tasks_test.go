package tasks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/registry"
)

func invocation(args map[string]any) *registry.Invocation {
	return &registry.Invocation{Args: args}
}

func TestHTTPRequestSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("X-Token"); got != "secret" {
			t.Errorf("header not passed: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	h := NewHTTPRequest()
	result, err := h.Execute(context.Background(), invocation(map[string]any{
		"method":  "post",
		"url":     server.URL,
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"key": "value"},
	}))
	if err != nil {
		t.Fatal(err)
	}

	if result["status_code"] != 200 {
		t.Errorf("expected status 200, got %v", result["status_code"])
	}
	body, ok := result["body"].(map[string]any)
	if !ok || body["ok"] != true {
		t.Errorf("unexpected body: %v", result["body"])
	}
}

func TestHTTPRequestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
		permanent bool
	}{
		{"server error is transient", http.StatusInternalServerError, true, false},
		{"bad gateway is transient", http.StatusBadGateway, true, false},
		{"not found is permanent", http.StatusNotFound, false, true},
		{"unprocessable is permanent", http.StatusUnprocessableEntity, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			h := NewHTTPRequest()
			_, err := h.Execute(context.Background(), invocation(map[string]any{"url": server.URL}))
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", domain.IsTransient(err), tt.transient)
			}
			if domain.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", domain.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestHTTPRequestConnectionRefusedIsTransient(t *testing.T) {
	h := NewHTTPRequest()
	_, err := h.Execute(context.Background(), invocation(map[string]any{
		"url":         "http://127.0.0.1:1",
		"timeout_sec": 1,
	}))
	if !domain.IsTransient(err) {
		t.Errorf("connection error should be transient, got %v", err)
	}
}

func TestHTTPRequestMissingURLIsPermanent(t *testing.T) {
	h := NewHTTPRequest()
	_, err := h.Execute(context.Background(), invocation(map[string]any{"method": "GET"}))
	if !domain.IsPermanent(err) {
		t.Errorf("missing url should be permanent, got %v", err)
	}
}

func TestSleep(t *testing.T) {
	h := NewSleep()
	start := time.Now()
	result, err := h.Execute(context.Background(), invocation(map[string]any{"duration_ms": 50}))
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("sleep returned too early")
	}
	if result["duration_ms"] != int64(50) {
		t.Errorf("unexpected duration: %v", result["duration_ms"])
	}
}

func TestSleepCancelled(t *testing.T) {
	h := NewSleep()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.Execute(ctx, invocation(map[string]any{"duration_sec": 60}))
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("cancelled sleep should return error")
		}
	case <-time.After(time.Second):
		t.Fatal("sleep did not react to cancellation")
	}
}

func TestSleepSoftTimeout(t *testing.T) {
	h := NewSleep()
	soft := make(chan struct{})
	close(soft)

	inv := &registry.Invocation{
		Args:        map[string]any{"duration_sec": 60},
		SoftTimeout: soft,
	}

	result, err := h.Execute(context.Background(), inv)
	if err != nil {
		t.Fatal(err)
	}
	if result["interrupted"] != true {
		t.Error("soft timeout should interrupt sleep")
	}
}

func TestSleepMissingDuration(t *testing.T) {
	h := NewSleep()
	_, err := h.Execute(context.Background(), invocation(nil))
	if !domain.IsPermanent(err) {
		t.Errorf("missing duration should be permanent, got %v", err)
	}
}

func TestTransform(t *testing.T) {
	h := NewTransform()
	result, err := h.Execute(context.Background(), invocation(map[string]any{
		"input": map[string]any{
			"items": []any{"a", "b", "c"},
			"name":  "report",
		},
		"mappings": map[string]any{
			"total": "{{ len .Input.items }}",
			"title": "{{ .Input.name }}-final",
			"flag":  "true",
		},
	}))
	if err != nil {
		t.Fatal(err)
	}

	if result["total"] != int64(3) {
		t.Errorf("expected total 3, got %v (%T)", result["total"], result["total"])
	}
	if result["title"] != "report-final" {
		t.Errorf("unexpected title: %v", result["title"])
	}
	if result["flag"] != true {
		t.Errorf("json-like values should be typed, got %v", result["flag"])
	}
}

func TestTransformBadTemplateIsPermanent(t *testing.T) {
	h := NewTransform()
	_, err := h.Execute(context.Background(), invocation(map[string]any{
		"mappings": map[string]any{"broken": "{{ .Input"},
	}))
	if !domain.IsPermanent(err) {
		t.Errorf("template parse error should be permanent, got %v", err)
	}
}

func TestTransformNoMappings(t *testing.T) {
	h := NewTransform()
	result, err := h.Execute(context.Background(), invocation(map[string]any{"input": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result, got %v", result)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r := registry.New()
	RegisterBuiltins(r)

	for _, taskType := range []string{TypeHTTPRequest, TypeSleep, TypeTransform} {
		if _, err := r.Get(taskType); err != nil {
			t.Errorf("builtin %s not registered: %v", taskType, err)
		}
	}
}

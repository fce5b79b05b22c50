package anthropictest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheckSetup_RequiresAPIKey(t *testing.T) {
	_, err := CheckSetup(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "API key is required") {
		t.Errorf("got error %q, missing expected phrase", err.Error())
	}
}

func TestCheckSetup_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"id": "msg_test123",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "ok"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 1}
		}`))
	}))
	defer server.Close()

	result, err := CheckSetup(context.Background(), Options{APIKey: "sk-ant-test", BaseURL: server.URL})

	if err != nil {
		t.Fatalf("CheckSetup() error: %v", err)
	}
	if result.RequestID != "msg_test123" {
		t.Errorf("got RequestID %q, want msg_test123", result.RequestID)
	}
	if result.Model != DefaultModel {
		t.Errorf("got Model %q, want %q", result.Model, DefaultModel)
	}
}

func TestTestModel_UsesGivenModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"id": "msg_test456",
			"type": "message",
			"role": "assistant",
			"model": "claude-opus-4-20250514",
			"content": [{"type": "text", "text": "ok"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 8, "output_tokens": 1}
		}`))
	}))
	defer server.Close()

	result, err := TestModel(context.Background(), Options{
		APIKey:  "sk-ant-test",
		BaseURL: server.URL,
		Model:   "claude-opus-4-20250514",
	})

	if err != nil {
		t.Fatalf("TestModel() error: %v", err)
	}
	if result.Model != "claude-opus-4-20250514" {
		t.Errorf("got Model %q, want claude-opus-4-20250514", result.Model)
	}
}

func TestCheckSetup_UpstreamErrorIsWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	_, err := CheckSetup(context.Background(), Options{APIKey: "sk-ant-bad", BaseURL: server.URL})

	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "check failed") {
		t.Errorf("got error %q, missing expected phrase", err.Error())
	}
}

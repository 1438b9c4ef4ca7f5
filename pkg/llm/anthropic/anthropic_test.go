package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestComplete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if body["system"] != "be terse" {
			t.Errorf("system = %v", body["system"])
		}
		w.Write([]byte(`{"content":[{"type":"thinking","text":""},{"type":"text","text":"{\"vm_name\":\"a\"}"}]}`))
	}))
	defer ts.Close()

	out, err := New("key", "", WithBaseURL(ts.URL)).Complete(context.Background(), "be terse", "make a vm")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"vm_name":"a"}` {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCompleteNoText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[]}`))
	}))
	defer ts.Close()

	if _, err := New("key", "", WithBaseURL(ts.URL)).Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error when no text block is returned")
	}
}

func TestCompleteServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", 529)
	}))
	defer ts.Close()

	if _, err := New("key", "", WithBaseURL(ts.URL)).Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

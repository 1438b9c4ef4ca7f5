package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/model"
)

func TestNotifyPostsWebhook(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	run := &model.Run{ID: "a1b2c3d4", Status: model.StatusComplete, VMName: "web-01", Iterations: 2, Approved: true}
	m := &manifest.Manifest{VMName: "web-01", VMID: 124, TargetNode: "pve2", CloneTemplate: "ubuntu-tpl",
		Cores: 2, Sockets: 1, RAMMB: 4096, Disk: manifest.Disk{SizeGB: 32, Storage: "local-lvm"}}

	if err := New(ts.URL).Notify(context.Background(), run, m); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	if got["text"] != "Manifest approved for web-01" {
		t.Fatalf("unexpected text: %v", got["text"])
	}
	blocks, ok := got["blocks"].([]any)
	if !ok || len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %v", got["blocks"])
	}
	raw, _ := json.Marshal(blocks[2])
	if !strings.Contains(string(raw), "VM 124 on pve2 from clone_template ubuntu-tpl") {
		t.Fatalf("context block missing manifest details: %s", raw)
	}
}

func TestNotifyReportsHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer ts.Close()

	run := &model.Run{ID: "a1b2c3d4", Status: model.StatusError, Error: "boom"}
	if err := New(ts.URL).Notify(context.Background(), run, nil); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestMessageForClarification(t *testing.T) {
	run := &model.Run{ID: "x", Status: model.StatusClarification, Question: "Which template?"}
	msg := Message(run, nil)
	if msg.Text != "Run needs more information" {
		t.Fatalf("unexpected text: %s", msg.Text)
	}
	raw, _ := json.Marshal(msg.Blocks)
	if !strings.Contains(string(raw), "Question: Which template?") {
		t.Fatalf("question missing: %s", raw)
	}
	if !strings.Contains(string(raw), ":question:") {
		t.Fatalf("status emoji missing: %s", raw)
	}
}

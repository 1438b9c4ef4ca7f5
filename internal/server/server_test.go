package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jxucoder/pveprov/internal/engine"
	"github.com/jxucoder/pveprov/pkg/collector"
	"github.com/jxucoder/pveprov/pkg/eventbus"
	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/model"
	"github.com/jxucoder/pveprov/pkg/pipeline"
	"github.com/jxucoder/pveprov/pkg/proxmox"
	sqliteStore "github.com/jxucoder/pveprov/pkg/store/sqlite"
)

const validatorJSON = `{"request_details":{"original_chat":"web-01 from 9001","extracted_parameters":{"name":"web-01","template_id":9001}},"platform_target":"Proxmox"}`

const draftJSON = `{
  "vm_name": "web-01",
  "vm_id": 124,
  "target_node": "pve1",
  "clone_template": "ubuntu-tpl",
  "cores": 2,
  "ram_mb": 2048,
  "disk": {"size_gb": 20, "storage": "local-lvm"},
  "cloud_init": {"ciuser": "admin", "cipassword": "hunter2"}
}`

type staticLLM string

func (s staticLLM) Complete(context.Context, string, string) (string, error) { return string(s), nil }

// fakeProxmox serves both the passthrough and the collector.
type fakeProxmox struct {
	mu       sync.Mutex
	logins   int
	paths    []string
	authErr  error
	fetchErr error
	body     string
}

func (f *fakeProxmox) Authenticate(context.Context) (*proxmox.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &proxmox.Session{Ticket: "T", CSRFToken: "C", IssuedAt: time.Now()}, nil
}

func (f *fakeProxmox) FetchRaw(_ context.Context, _ *proxmox.Session, path string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return json.RawMessage(f.body), nil
}

func (f *fakeProxmox) FetchData(_ context.Context, _ *proxmox.Session, path string, out any) error {
	body := `[]`
	switch path {
	case "nodes":
		body = `[{"node":"pve1","status":"online","maxmem":8589934592,"mem":1073741824}]`
	case "nodes/pve1/status":
		body = `{}`
	}
	return json.Unmarshal([]byte(body), out)
}

func newTestServer(t *testing.T, validator string) (*Server, *engine.Engine, *fakeProxmox) {
	t.Helper()
	st, err := sqliteStore.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	px := &fakeProxmox{body: `{"data":{"version":"8.2.4"}}`}
	stages := engine.Stages{
		Validate: pipeline.NewValidateRequestStage(staticLLM(validator), ""),
		Collect:  pipeline.NewCollectStage(px, collector.New(px, collector.WithRate(0))),
		Generate: pipeline.NewGenerateStage(staticLLM(draftJSON), ""),
		Review:   pipeline.NewReviewStage(staticLLM("APPROVED"), ""),
		Refine:   pipeline.NewRefineStage(staticLLM(draftJSON), ""),
	}
	eng := engine.New(engine.Config{}, st, eventbus.NewInMemoryBus(), stages)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	return New(eng, px), eng, px
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, validatorJSON)
	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestProxmoxPassthrough(t *testing.T) {
	s, _, px := newTestServer(t, validatorJSON)

	rec := do(t, s, http.MethodGet, "/api/proxmox/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != px.body {
		t.Errorf("body = %q, want %q", rec.Body.String(), px.body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = do(t, s, http.MethodGet, "/api/proxmox/nodes/pve1/qemu?full=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if px.logins != 1 {
		t.Errorf("logins = %d, want the session reused", px.logins)
	}
	if got := px.paths[1]; got != "nodes/pve1/qemu?full=1" {
		t.Errorf("path = %q", got)
	}
}

func TestProxmoxPassthroughEmptyPath(t *testing.T) {
	s, _, _ := newTestServer(t, validatorJSON)
	rec := do(t, s, http.MethodGet, "/api/proxmox/", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProxmoxPassthroughRejectsDotSegments(t *testing.T) {
	s, _, px := newTestServer(t, validatorJSON)
	for _, target := range []string{
		"/api/proxmox/../access/users",
		"/api/proxmox/nodes/./pve1",
		"/api/proxmox/%2e%2e/access/users",
		"/api/proxmox/nodes/%2E%2E/%2E%2E/x",
	} {
		rec := do(t, s, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
	px.mu.Lock()
	defer px.mu.Unlock()
	if px.logins != 0 || len(px.paths) != 0 {
		t.Errorf("rejected paths reached proxmox: logins=%d paths=%v", px.logins, px.paths)
	}
}

func TestProxmoxPassthroughNotConfigured(t *testing.T) {
	_, eng, _ := newTestServer(t, validatorJSON)
	s := New(eng, nil)
	rec := do(t, s, http.MethodGet, "/api/proxmox/version", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestProxmoxPassthroughAuthFailure(t *testing.T) {
	s, _, px := newTestServer(t, validatorJSON)
	px.authErr = &proxmox.AuthenticationError{StatusCode: 401, Status: "401 authentication failure"}

	rec := do(t, s, http.MethodGet, "/api/proxmox/version", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, "authentication failed") {
		t.Errorf("error = %q", resp.Error)
	}
	if len(px.paths) != 0 {
		t.Error("fetch must not run after a failed login")
	}
}

func TestProxmoxPassthroughUnauthorizedDropsSession(t *testing.T) {
	s, _, px := newTestServer(t, validatorJSON)
	px.fetchErr = &proxmox.RequestError{Path: "version", StatusCode: 401, Status: "401 no ticket"}

	rec := do(t, s, http.MethodGet, "/api/proxmox/version", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	px.fetchErr = nil
	rec = do(t, s, http.MethodGet, "/api/proxmox/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if px.logins != 2 {
		t.Errorf("logins = %d, want a fresh login after 401", px.logins)
	}
}

func TestProxmoxErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth", &proxmox.AuthenticationError{StatusCode: 401}, http.StatusUnauthorized},
		{"request", &proxmox.RequestError{Path: "nodes/x/status", StatusCode: 500}, http.StatusInternalServerError},
		{"request forbidden", errors.Wrap(&proxmox.RequestError{StatusCode: 403}, "fetch"), http.StatusForbidden},
		{"connection", &proxmox.ConnectionError{Op: "fetch", URL: "https://pve", Err: errors.New("refused")}, http.StatusBadGateway},
		{"protocol", &proxmox.ProtocolError{Op: "login", Reason: "missing ticket"}, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProxmoxErrorStatus(tt.err); got != tt.want {
				t.Errorf("ProxmoxErrorStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCreateRunValidation(t *testing.T) {
	s, _, _ := newTestServer(t, validatorJSON)

	if rec := do(t, s, http.MethodPost, "/api/runs", "not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/runs", `{"request":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty request status = %d, want 400", rec.Code)
	}
}

func TestCreateRunAndFetchResults(t *testing.T) {
	s, eng, _ := newTestServer(t, validatorJSON)

	rec := do(t, s, http.MethodPost, "/api/runs", `{"request":"create web-01 from template 9001"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created createRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != model.StatusPending {
		t.Fatalf("unexpected create response: %+v", created)
	}

	run := waitForRun(t, s, created.ID)
	if run.Status != model.StatusComplete {
		t.Fatalf("run status = %s (error %q)", run.Status, run.Error)
	}

	rec = do(t, s, http.MethodGet, "/api/runs/"+created.ID+"/manifest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Pveprov-Approved") != "true" {
		t.Error("manifest should be marked approved")
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"vm_name":"web-01"`) || strings.Contains(body, "hunter2") {
		t.Errorf("unexpected manifest body: %s", body)
	}

	rec = do(t, s, http.MethodGet, "/api/runs/"+created.ID+"/manifest?format=yaml", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "vm_name: web-01") {
		t.Errorf("yaml manifest = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/runs/"+created.ID+"/manifest?format=terraform", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "target_node") {
		t.Errorf("terraform manifest = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/runs/"+created.ID+"/manifest?format=xml", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("xml format status = %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/runs/"+created.ID+"/snapshot", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pve1") {
		t.Errorf("snapshot = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/runs/"+created.ID+"/revisions", "")
	var revs []model.Revision
	if err := json.Unmarshal(rec.Body.Bytes(), &revs); err != nil {
		t.Fatalf("decode revisions: %v", err)
	}
	if len(revs) != 1 || !revs[0].Approved {
		t.Errorf("revisions = %+v", revs)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Errorf("revisions expose the cloud-init password: %s", rec.Body.String())
	}
	if len(revs) == 1 && (revs[0].Draft != "" || !strings.Contains(string(revs[0].Manifest), manifest.RedactedValue)) {
		t.Errorf("revision not redacted: draft %q manifest %s", revs[0].Draft, revs[0].Manifest)
	}

	rec = do(t, s, http.MethodGet, "/api/runs?limit=10", "")
	var runs []model.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != created.ID {
		t.Errorf("runs = %+v", runs)
	}

	if _, err := eng.Store().GetRun(created.ID); err != nil {
		t.Fatalf("get run: %v", err)
	}
}

func TestRunEventsReplay(t *testing.T) {
	s, eng, _ := newTestServer(t, validatorJSON)

	res, err := eng.RunSync(context.Background(), "create web-01 from template 9001")
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs/" + res.Run.ID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if kind, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 || kinds[0] != model.EventStatus || kinds[len(kinds)-1] != model.EventDone {
		t.Fatalf("event kinds = %v", kinds)
	}
}

func TestManifestMissingForClarification(t *testing.T) {
	s, eng, _ := newTestServer(t, "Which template should the VM be cloned from?")

	res, err := eng.RunSync(context.Background(), "make me a vm")
	if err == nil {
		t.Fatal("expected clarification error")
	}
	if res.Run.Status != model.StatusClarification {
		t.Fatalf("status = %s", res.Run.Status)
	}

	rec := do(t, s, http.MethodGet, "/api/runs/"+res.Run.ID+"/manifest", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("manifest status = %d, want 404", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/api/runs/"+res.Run.ID+"/snapshot", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("snapshot status = %d, want 404", rec.Code)
	}
}

func TestRunNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, validatorJSON)
	for _, path := range []string{"/api/runs/nope", "/api/runs/nope/events", "/api/runs/nope/manifest"} {
		if rec := do(t, s, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestListRunsBadLimit(t *testing.T) {
	s, _, _ := newTestServer(t, validatorJSON)
	if rec := do(t, s, http.MethodGet, "/api/runs?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, validatorJSON)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func waitForRun(t *testing.T, s *Server, id string) *model.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := do(t, s, http.MethodGet, "/api/runs/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get run status = %d", rec.Code)
		}
		var run model.Run
		if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
			t.Fatal(err)
		}
		if run.Status.Terminal() {
			return &run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return nil
}

func TestRedactRevision(t *testing.T) {
	rev := &model.Revision{
		Iteration: 2,
		Manifest:  json.RawMessage(`{"vm_name":"web-01","cloud_init":{"ciuser":"admin","cipassword":"hunter2"}}`),
		Draft:     draftJSON,
		Feedback:  `cipassword "hunter2" is too weak`,
	}
	got := redactRevision(rev)
	if got.Draft != "" {
		t.Errorf("draft = %q, want dropped", got.Draft)
	}
	if strings.Contains(got.Feedback, "hunter2") || strings.Contains(string(got.Manifest), "hunter2") {
		t.Errorf("secret left in revision: %+v", got)
	}
	if !strings.Contains(string(got.Manifest), `"ciuser": "admin"`) {
		t.Errorf("manifest = %s", got.Manifest)
	}
	if !strings.Contains(string(rev.Manifest), "hunter2") || rev.Draft == "" {
		t.Error("stored revision was modified")
	}

	broken := redactRevision(&model.Revision{Manifest: json.RawMessage(`{"cloud_init":`), Draft: "hunter2"})
	if broken.Manifest != nil || broken.Draft != "" {
		t.Errorf("undecodable revision = %+v", broken)
	}
}

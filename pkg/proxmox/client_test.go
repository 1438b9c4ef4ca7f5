package proxmox

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{Host: "127.0.0.1", Username: "root", Password: "secret"}
}

// newTestClient points a client at ts and trusts its certificate.
func newTestClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	c, err := New(testConfig(), WithBaseURL(ts.URL+"/api2/json/"), WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	return c
}

func ticketHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("username") != "root@pam" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data": {"ticket": "T", "CSRFPreventionToken": "C", "username": "root@pam"}}`))
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:8006/api2/json/", c.BaseURL())
	assert.Equal(t, DefaultTimeout, c.Config().Timeout)
	assert.Equal(t, "root@pam", c.Config().QualifiedUsername())
}

func TestNew_RejectsMissingCredentials(t *testing.T) {
	_, err := New(Config{Host: "pve.local"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Username")
	assert.Contains(t, err.Error(), "Password")
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestQualifiedUsername_KeepsRealm(t *testing.T) {
	cfg := Config{Username: "terraform@pve", Realm: "pam"}
	assert.Equal(t, "terraform@pve", cfg.QualifiedUsername())
}

func TestAuthenticate_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/access/ticket", ticketHandler(t))
	ts := httptest.NewTLSServer(mux)
	defer ts.Close()

	sess, err := newTestClient(t, ts).Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T", sess.Ticket)
	assert.Equal(t, "C", sess.CSRFToken)
	assert.Equal(t, "root@pam", sess.Username)
	assert.True(t, sess.Valid())
	assert.False(t, sess.Expired(time.Now()))
	assert.True(t, sess.Expired(time.Now().Add(TicketLifetime+time.Minute)))
}

func TestAuthenticate_Unauthorized(t *testing.T) {
	var fetched atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api2/json/", func(w http.ResponseWriter, r *http.Request) {
		fetched.Add(1)
	})
	ts := httptest.NewTLSServer(mux)
	defer ts.Close()

	sess, err := newTestClient(t, ts).Authenticate(context.Background())
	require.Error(t, err)
	assert.Nil(t, sess)

	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, 401, authErr.StatusCode)
	assert.True(t, IsAuthenticationError(err))
	assert.Zero(t, fetched.Load())
}

func TestAuthenticate_ProtocolErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not_json", "<html>nope</html>"},
		{"no_data", `{"errors": {}}`},
		{"missing_csrf", `{"data": {"ticket": "T"}}`},
		{"missing_ticket", `{"data": {"CSRFPreventionToken": "C"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := newTestClient(t, ts).Authenticate(context.Background())
			require.Error(t, err)
			assert.True(t, IsProtocolError(err), "got %T: %v", err, err)
		})
	}
}

func TestAuthenticate_ConnectionRefused(t *testing.T) {
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	url := ts.URL
	hc := ts.Client()
	ts.Close()

	c, err := New(testConfig(), WithBaseURL(url+"/api2/json/"), WithHTTPClient(hc))
	require.NoError(t, err)

	_, err = c.Authenticate(context.Background())
	require.Error(t, err)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "login", connErr.Op)
	assert.False(t, IsAuthenticationError(err))
}

func TestAuthenticate_VerifiesCertificatesByDefault(t *testing.T) {
	ts := httptest.NewTLSServer(ticketHandler(t))
	defer ts.Close()

	c, err := New(testConfig(), WithBaseURL(ts.URL+"/api2/json/"))
	require.NoError(t, err)

	_, err = c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestAuthenticate_InsecureSkipVerifyOptIn(t *testing.T) {
	ts := httptest.NewTLSServer(ticketHandler(t))
	defer ts.Close()

	cfg := testConfig()
	cfg.InsecureSkipVerify = true
	c, err := New(cfg, WithBaseURL(ts.URL+"/api2/json/"))
	require.NoError(t, err)

	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T", sess.Ticket)
}

func TestAuthenticate_CustomCACert(t *testing.T) {
	ts := httptest.NewTLSServer(ticketHandler(t))
	defer ts.Close()

	caPath := filepath.Join(t.TempDir(), "pve-root-ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: ts.Certificate().Raw}
	require.NoError(t, os.WriteFile(caPath, pem.EncodeToMemory(block), 0o600))

	cfg := testConfig()
	cfg.CACertFile = caPath
	c, err := New(cfg, WithBaseURL(ts.URL+"/api2/json/"))
	require.NoError(t, err)

	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "C", sess.CSRFToken)
}

func TestNew_BadCACert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a cert"), 0o600))

	cfg := testConfig()
	cfg.CACertFile = path
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestFetch_ClusterStatusUnmodified(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(AuthCookie)
		require.NoError(t, err)
		assert.Equal(t, "T", cookie.Value)
		assert.Equal(t, "C", r.Header.Get(CSRFHeader))
		w.Write([]byte(`{"data": [{"type": "cluster", "quorate": 1}]}`))
	})
	ts := httptest.NewTLSServer(mux)
	defer ts.Close()

	sess := &Session{Ticket: "T", CSRFToken: "C"}
	got, err := newTestClient(t, ts).Fetch(context.Background(), sess, "cluster/status")
	require.NoError(t, err)

	want := map[string]any{
		"data": []any{
			map[string]any{"type": "cluster", "quorate": json.Number("1")},
		},
	}
	assert.Equal(t, want, got)
}

func TestFetch_DoesNotMutateSession(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data": [{"node": "pve1", "status": "online"}]}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sess := &Session{Ticket: "T", CSRFToken: "C", Username: "root@pam", IssuedAt: issued}
	before := *sess

	for i := 0; i < 3; i++ {
		var nodes []struct {
			Node string `json:"node"`
		}
		require.NoError(t, c.FetchData(context.Background(), sess, "nodes", &nodes))
		require.Len(t, nodes, 1)
		assert.Equal(t, "pve1", nodes[0].Node)
	}
	assert.Equal(t, before, *sess)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetch_LeadingSlashTrimmed(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/nodes", r.URL.Path)
		w.Write([]byte(`{"data": []}`))
	}))
	defer ts.Close()

	raw, err := newTestClient(t, ts).FetchRaw(context.Background(), &Session{Ticket: "T", CSRFToken: "C"}, "/nodes")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data": []}`, string(raw))
}

func TestFetch_NonOKIsTypedError(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"data": null, "message": "Permission check failed"}`))
	}))
	defer ts.Close()

	_, err := newTestClient(t, ts).Fetch(context.Background(), &Session{Ticket: "T", CSRFToken: "C"}, "nodes/pve1/status")
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
	assert.Equal(t, "nodes/pve1/status", reqErr.Path)
	assert.Contains(t, reqErr.Body, "Permission check failed")
}

func TestFetch_InvalidJSON(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [`))
	}))
	defer ts.Close()

	_, err := newTestClient(t, ts).Fetch(context.Background(), &Session{Ticket: "T", CSRFToken: "C"}, "nodes")
	assert.True(t, IsProtocolError(err))
}

func TestFetch_RequiresSession(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	_, err := c.Fetch(context.Background(), nil, "nodes")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = c.Fetch(context.Background(), &Session{Ticket: "T"}, "nodes")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Zero(t, calls.Load())
}

func TestFetch_ContextCancelled(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, ts).Fetch(ctx, &Session{Ticket: "T", CSRFToken: "C"}, "nodes")
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchData_MissingEnvelope(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": []}`))
	}))
	defer ts.Close()

	var out []any
	err := newTestClient(t, ts).FetchData(context.Background(), &Session{Ticket: "T", CSRFToken: "C"}, "nodes", &out)
	assert.True(t, IsProtocolError(err))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))

	// "é" is two bytes; a byte cut at 7 would land inside the fourth one.
	got := truncate("ééééééé", 10)
	assert.True(t, utf8.ValidString(got), "truncated body is not valid UTF-8: %q", got)
	assert.Equal(t, "ééé...", got)
	assert.LessOrEqual(t, len(got), 10)
}

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
)

// newTestClient returns an HTTPClient wired to ts via a transport that
// ignores the dialed address and always connects to the test server, the
// same indirection dialEngine provides for the real unix socket in
// production. apiVersion is pre-negotiated so tests don't need a /version
// handler unless they're testing negotiation itself.
func newTestClient(ts *httptest.Server) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("tcp", ts.Listener.Addr().String())
				},
			},
		},
		apiVersion: DefaultAPIVersion,
		negotiated: true,
	}
}

func TestPing_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_ping" {
			t.Errorf("path = %q, want /_ping", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPing_Unreachable(t *testing.T) {
	c := &HTTPClient{
		httpClient: &http.Client{Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("tcp", "127.0.0.1:1")
			},
		}},
	}
	err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var unavailable *apierr.RuntimeUnavailable
	if !errors.As(err, &unavailable) {
		t.Errorf("expected RuntimeUnavailable, got %T: %v", err, err)
	}
}

func TestVersion_NegotiationFallsBackOnFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	c.negotiated = false
	c.negotiateVersion(context.Background())
	if c.apiVersion != DefaultAPIVersion {
		t.Errorf("apiVersion = %q, want fallback %q", c.apiVersion, DefaultAPIVersion)
	}
}

func TestVersion_NegotiationUsesServerVersion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(VersionInfo{Version: "27.5.1", APIVersion: "1.47"})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	c.negotiated = false
	c.negotiateVersion(context.Background())
	if c.apiVersion != "1.47" {
		t.Errorf("apiVersion = %q, want %q", c.apiVersion, "1.47")
	}
}

func TestListContainers_IncludesAllWhenRequested(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode([]map[string]any{
			{"Id": "abc123", "Names": []string{"/foo"}, "State": "running", "Status": "Up 2 minutes"},
		})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	list, err := c.ListContainers(context.Background(), true)
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if !strings.Contains(gotQuery, "all=1") {
		t.Errorf("query = %q, want all=1", gotQuery)
	}
	if len(list) != 1 || list[0].ID != "abc123" {
		t.Errorf("list = %+v", list)
	}
}

func TestInspect_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.Inspect(context.Background(), "missing")
	var notFound *apierr.NotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFound, got %T: %v", err, err)
	}
}

func TestInspect_DecodesState(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"Id": "c1",
			"State": map[string]any{
				"Status":  "running",
				"Running": true,
			},
			"NetworkSettings": map[string]any{
				"IPAddress": "172.17.0.2",
			},
		})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	res, err := c.Inspect(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if res.State != StateRunning || !res.Running || res.IPAddress != "172.17.0.2" {
		t.Errorf("Inspect result = %+v", res)
	}
}

func TestCreateContainer_MissingIDFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"Warnings": []string{}})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.CreateContainer(context.Background(), CreateContainerSpec{Name: "x"})
	var createFailed *apierr.CreateFailed
	if !errors.As(err, &createFailed) {
		t.Fatalf("expected CreateFailed, got %T: %v", err, err)
	}
}

func TestRemove_NotFoundIsNotAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if err := c.Remove(context.Background(), "gone", true); err != nil {
		t.Errorf("Remove of already-gone container should be idempotent, got: %v", err)
	}
}

func TestPullImage_NonOKStatusFailsEagerly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such image"))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.PullImage(context.Background(), "nonexistent:latest")
	var pullFailed *apierr.PullFailed
	if !errors.As(err, &pullFailed) {
		t.Fatalf("expected PullFailed, got %T: %v", err, err)
	}
}

func TestFollowProgress_SkipsMalformedLinesAndDetectsTerminalError(t *testing.T) {
	stream := strings.Join([]string{
		`{"status":"Pulling from library/redis"}`,
		`not json at all`,
		`{"status":"Downloading","progress":"[====>]"}`,
		`{"error":"manifest unknown"}`,
		``,
	}, "\n")

	var seen int
	records, err := FollowProgress(bytes.NewReader([]byte(stream)), func(ProgressRecord) { seen++ })
	if seen != 3 {
		t.Errorf("onRecord called %d times, want 3 (malformed line skipped)", seen)
	}
	if len(records) != 3 {
		t.Errorf("records = %d, want 3", len(records))
	}
	if err == nil {
		t.Fatal("expected error from terminal error field")
	}
}

func TestFollowProgress_CleanStreamHasNoError(t *testing.T) {
	stream := `{"status":"Pulling"}` + "\n" + `{"status":"Pull complete"}` + "\n"
	_, err := FollowProgress(strings.NewReader(stream), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

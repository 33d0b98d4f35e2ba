package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/models"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) at(i int) recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[i]
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		rec.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

// TestClient_Push verifies verbs, paths and the bearer header per operation type.
func TestClient_Push(t *testing.T) {
	srv, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"wo-1","title":"server copy"}`))
		}
	})
	c := NewClient(srv.URL+"/", StaticTokenSource("secret"))
	ctx := context.Background()

	tests := []struct {
		op         *models.SyncOperation
		wantMethod string
		wantPath   string
		wantBody   bool
	}{
		{&models.SyncOperation{Type: models.OperationCreate, EntityKind: models.KindWorkOrder, EntityID: "wo-1", Payload: []byte(`{"id":"wo-1"}`)},
			http.MethodPost, "/workOrders", true},
		{&models.SyncOperation{Type: models.OperationUpdate, EntityKind: models.KindWorkOrder, EntityID: "wo-1", Payload: []byte(`{"id":"wo-1"}`)},
			http.MethodPut, "/workOrders/wo-1", true},
		{&models.SyncOperation{Type: models.OperationDelete, EntityKind: models.KindDamageReport, EntityID: "d 1"},
			http.MethodDelete, "/damageReports/d 1", false},
	}

	for i, tt := range tests {
		resp, err := c.Push(ctx, tt.op)
		if err != nil {
			t.Fatalf("Push(%s) error = %v", tt.op.Type, err)
		}
		got := requests.at(i)
		if got.Method != tt.wantMethod || got.Path != tt.wantPath {
			t.Errorf("Push(%s) = %s %s, want %s %s", tt.op.Type, got.Method, got.Path, tt.wantMethod, tt.wantPath)
		}
		if got.Auth != "Bearer secret" {
			t.Errorf("Authorization = %q, want bearer token", got.Auth)
		}
		if tt.wantBody && resp == nil {
			t.Errorf("Push(%s) response = nil, want server copy", tt.op.Type)
		}
		if !tt.wantBody && resp != nil {
			t.Errorf("Push(%s) response = %s, want nil", tt.op.Type, resp)
		}
	}

	if requests.at(0).Body != `{"id":"wo-1"}` {
		t.Errorf("create body = %q, want payload", requests.at(0).Body)
	}
}

// TestClient_Changes verifies the delta pull request and decoding.
func TestClient_Changes(t *testing.T) {
	srv, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"v1","make":"Ford"},{"id":"v2"}]`))
	})
	c := NewClient(srv.URL, nil)

	records, err := c.Changes(context.Background(), models.KindVehicle, 1700000000000)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Changes() = %d records, want 2", len(records))
	}

	var v models.Vehicle
	if err := json.Unmarshal(records[0], &v); err != nil || v.Make != "Ford" {
		t.Errorf("records[0] = %s, want Ford", records[0])
	}

	got := requests.at(0)
	if got.Path != "/vehicles" || got.Query != "since=1700000000000" {
		t.Errorf("request = %s?%s, want /vehicles?since=1700000000000", got.Path, got.Query)
	}
	if got.Auth != "" {
		t.Errorf("Authorization = %q, want none without token source", got.Auth)
	}
}

// TestClient_Changes_invalidJSON verifies decode errors surface.
func TestClient_Changes_invalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"an array"}`))
	})
	if _, err := NewClient(srv.URL, nil).Changes(context.Background(), models.KindInspection, 0); err == nil {
		t.Error("Changes() with object body should fail")
	}
}

// TestClient_HTTPError verifies non-2xx responses become HTTPError.
func TestClient_HTTPError(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", int(status.Load()))
	})
	c := NewClient(srv.URL, StaticTokenSource("t"))

	_, err := c.Update(context.Background(), models.KindVehicle, "v1", []byte(`{}`))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Update() error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Body != "maintenance" || httpErr.Method != http.MethodPut {
		t.Errorf("HTTPError = %+v", httpErr)
	}
	if IsAuth(err) {
		t.Error("IsAuth(503) = true, want false")
	}
	if !apperrors.Is(Classify(err, apperrors.ErrSyncPush, "push"), apperrors.ErrSyncPush) {
		t.Error("Classify(503) should keep the fallback code")
	}

	status.Store(http.StatusUnauthorized)
	err = c.Delete(context.Background(), models.KindVehicle, "v1")
	if !IsAuth(err) {
		t.Errorf("IsAuth(%v) = false, want true", err)
	}
	if !apperrors.Is(Classify(err, apperrors.ErrSyncPush, "push"), apperrors.ErrSyncAuth) {
		t.Error("Classify(401) should map to SYNC_AUTH_FAILED")
	}
	if Classify(nil, apperrors.ErrSyncPush, "push") != nil {
		t.Error("Classify(nil) should be nil")
	}
}

// TestClassify verifies conflict and unreachable failures keep the fallback code.
func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    apperrors.ErrorCode
		notWant apperrors.ErrorCode
	}{
		{"conflict", &HTTPError{StatusCode: http.StatusConflict, Method: http.MethodPut}, apperrors.ErrSyncConflict, apperrors.ErrSyncOffline},
		{"unreachable", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, apperrors.ErrSyncOffline, apperrors.ErrSyncConflict},
		{"bad body", errors.New("failed to decode vehicles delta"), apperrors.ErrSyncPull, apperrors.ErrSyncOffline},
		{"server error", &HTTPError{StatusCode: http.StatusBadGateway}, apperrors.ErrSyncPull, apperrors.ErrSyncOffline},
		{"canceled", context.Canceled, apperrors.ErrSyncPull, apperrors.ErrSyncOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err, apperrors.ErrSyncPull, "pull vehicles")
			if !apperrors.Is(err, apperrors.ErrSyncPull) {
				t.Errorf("Classify() = %v, want SYNC_PULL_FAILED", err)
			}
			if !apperrors.Is(err, tt.want) {
				t.Errorf("Classify() = %v, want %s", err, tt.want)
			}
			if apperrors.Is(err, tt.notWant) {
				t.Errorf("Classify() = %v, want no %s", err, tt.notWant)
			}
			if !errors.Is(err, tt.err) {
				t.Error("Classify() should keep the cause")
			}
		})
	}
}

// TestClient_userAgent verifies the configured User-Agent is sent.
func TestClient_userAgent(t *testing.T) {
	var got atomic.Value
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("User-Agent"))
		w.Write([]byte(`[]`))
	})
	c := NewClient(srv.URL, StaticTokenSource("t"), WithUserAgent("fieldsync/test"))

	if _, err := c.Changes(context.Background(), models.KindVehicle, 0); err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if got.Load() != "fieldsync/test" {
		t.Errorf("User-Agent = %v, want fieldsync/test", got.Load())
	}
}

// TestClient_Ping verifies the probe treats any non-5xx answer as reachable.
func TestClient_Ping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	})
	c := NewClient(srv.URL, nil)

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() with 404 = %v, want nil", err)
	}
	if requests.at(0).Path != DefaultProbePath {
		t.Errorf("probe path = %q, want %q", requests.at(0).Path, DefaultProbePath)
	}

	status.Store(http.StatusBadGateway)
	if err := c.Ping(context.Background()); !IsStatus(err, http.StatusBadGateway) {
		t.Errorf("Ping() with 502 = %v, want HTTPError 502", err)
	}

	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() against closed server should fail")
	}
}

// TestClient_Timeout verifies the configured timeout is applied.
func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	c := NewClient(srv.URL, nil, WithTimeout(50*time.Millisecond))
	if _, err := c.Changes(context.Background(), models.KindVehicle, 0); err == nil {
		t.Error("Changes() should time out")
	}
}

// TestFileTokenSource verifies the token is read and reloaded on rewrite.
func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	src, err := NewFileTokenSource(path)
	if err != nil {
		t.Fatalf("NewFileTokenSource() error = %v", err)
	}
	defer src.Close()

	if tok, err := src.Token(context.Background()); err != nil || tok != "first" {
		t.Fatalf("Token() = %q, %v, want first", tok, err)
	}

	if err := os.WriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		tok, _ := src.Token(context.Background())
		if tok == "second" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Token() = %q after rewrite, want second", tok)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := src.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// TestFileTokenSource_missingFile verifies a missing file surfaces on Token.
func TestFileTokenSource_missingFile(t *testing.T) {
	src, err := NewFileTokenSource(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("NewFileTokenSource() error = %v", err)
	}
	defer src.Close()

	if _, err := src.Token(context.Background()); err == nil {
		t.Error("Token() with missing file should fail")
	}
}

// TestClient_unreachable verifies a dial failure classifies as offline.
func TestClient_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil).Changes(context.Background(), models.KindVehicle, 0)
	if err == nil {
		t.Fatal("Changes() error = nil, want dial failure")
	}
	if !apperrors.Is(Classify(err, apperrors.ErrSyncPull, "pull vehicles"), apperrors.ErrSyncOffline) {
		t.Errorf("Classify(%v) should carry SYNC_OFFLINE", err)
	}
}

package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"packdb/pkg/segment"
	"packdb/pkg/store"
)

// simple in-memory fake store implementing iStoreAPI
type fakeStore struct {
	mu    sync.RWMutex
	m     map[string][]byte
	syncs int
}

func newFakeStore() *fakeStore {
	return &fakeStore{m: make(map[string][]byte)}
}

func (f *fakeStore) Put(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	return nil
}

func (f *fakeStore) PutDurable(key string, value []byte) error {
	return f.Put(key, value)
}

func (f *fakeStore) Get(key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.m[key]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[key]; !ok {
		return store.ErrKeyNotFound
	}
	delete(f.m, key)
	return nil
}

func (f *fakeStore) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeStore) JournalPending() int { return 0 }

func (f *fakeStore) SegmentStats() segment.Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return segment.Stats{Segments: 1, LiveKeys: len(f.m)}
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(newFakeStore(), nil, "", 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decodeResp(t, rr)
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s := NewServer(newFakeStore(), nil, "", 0)
	router := s.createRouter()

	// PUT
	req := httptest.NewRequest(http.MethodPut, "/api/record?key=foo", strings.NewReader("bar"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusSuccess {
		t.Fatalf("put: expected status %s, got %s", StatusSuccess, resp.Status)
	}

	// GET
	req = httptest.NewRequest(http.MethodGet, "/api/record?key=foo", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); string(resp.Value) != "bar" {
		t.Fatalf("get: expected value 'bar', got '%s'", resp.Value)
	}

	// DELETE
	req = httptest.NewRequest(http.MethodDelete, "/api/record?key=foo", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET after delete
	req = httptest.NewRequest(http.MethodGet, "/api/record?key=foo", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rr.Code)
	}
}

func TestBinaryValueRoundtrip(t *testing.T) {
	s := NewServer(newFakeStore(), nil, "", 0)
	router := s.createRouter()

	// Invalid UTF-8 on purpose: the envelope must not mangle raw bytes.
	value := []byte{0xff, 0xfe, 0x00, 0x80, 0x61}

	req := httptest.NewRequest(http.MethodPut, "/api/record?key=bin", bytes.NewReader(value))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/record?key=bin", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	resp := decodeResp(t, rr)
	if !bytes.Equal(resp.Value, value) {
		t.Fatalf("binary value mangled: sent %x, got %x", value, resp.Value)
	}
}

func TestPutMissingKey(t *testing.T) {
	s := NewServer(newFakeStore(), nil, "", 0)
	req := httptest.NewRequest(http.MethodPut, "/api/record", strings.NewReader("v"))
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing key, got %d", rr.Code)
	}
}

func TestDurablePutHitsDurablePath(t *testing.T) {
	fs := newFakeStore()
	s := NewServer(fs, nil, "", 0)

	req := httptest.NewRequest(http.MethodPut, "/api/record?key=a&durable=true", strings.NewReader("v"))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got, err := fs.Get("a"); err != nil || string(got) != "v" {
		t.Fatalf("durable put did not reach the store: %v %q", err, got)
	}
}

func TestSyncEndpoint(t *testing.T) {
	fs := newFakeStore()
	s := NewServer(fs, nil, "", 0)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if fs.syncs != 1 {
		t.Fatalf("expected 1 sync call, got %d", fs.syncs)
	}
}

func TestStatsEndpoint(t *testing.T) {
	fs := newFakeStore()
	_ = fs.Put("k", []byte("v"))
	s := NewServer(fs, nil, "", 0)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp statsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode stats JSON: %v", err)
	}
	if resp.Segments.LiveKeys != 1 {
		t.Fatalf("expected 1 live key, got %d", resp.Segments.LiveKeys)
	}
}

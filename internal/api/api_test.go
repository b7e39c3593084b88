package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gatewayd/internal/accountant"
	"gatewayd/internal/dispatcher"
	"gatewayd/internal/model"
	"gatewayd/internal/reconcile"
)

type fakeConfigStore struct {
	current model.DesiredState
	last    reconcile.Result
	applied model.DesiredState
}

func (f *fakeConfigStore) Current() model.DesiredState { return f.current }
func (f *fakeConfigStore) Last() reconcile.Result       { return f.last }
func (f *fakeConfigStore) Apply(ctx context.Context, desired model.DesiredState) reconcile.Result {
	f.applied = desired
	f.current = desired
	return f.last
}

type fakeTrafficStore struct {
	rows []accountant.NetworkTraffic
}

func (f *fakeTrafficStore) Since(ctx context.Context, since int64) ([]accountant.NetworkTraffic, error) {
	return f.rows, nil
}

type fakeDispatcherStats struct {
	stats dispatcher.Stats
}

func (f *fakeDispatcherStats) Stats() dispatcher.Stats { return f.stats }

func newTestServer() (*Server, *fakeConfigStore) {
	cfg := &fakeConfigStore{current: model.DesiredState{}}
	s := New("secret-token", cfg, &fakeTrafficStore{}, &fakeDispatcherStats{})
	return s, cfg
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestConfigRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestConfigRejectsWrongToken(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("Token", "wrong")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGetConfigReturnsCurrentDesiredState(t *testing.T) {
	s, cfg := newTestServer()
	cfg.current = model.DesiredState{
		2001: {PrivateKey: testKey(1)},
	}

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("Token", "secret-token")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var got model.DesiredState
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := got[2001]; !ok {
		t.Fatalf("expected port 2001 in response, got %+v", got)
	}
}

func TestPostConfigRoundTripsThroughGet(t *testing.T) {
	s, _ := newTestServer()

	body := `{"2001":{"private_key":"` + testKey(1).String() + `","address":[],"peers":[]}}`

	postReq := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(body))
	postReq.Header.Set("Token", "secret-token")
	postRec := httptest.NewRecorder()
	s.mux.ServeHTTP(postRec, postReq)
	if postRec.Code != http.StatusOK {
		t.Fatalf("POST /config status = %d, want 200, body=%s", postRec.Code, postRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/config", nil)
	getReq.Header.Set("Token", "secret-token")
	getRec := httptest.NewRecorder()
	s.mux.ServeHTTP(getRec, getReq)

	var got model.DesiredState
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode GET /config response: %v", err)
	}
	if _, ok := got[2001]; !ok {
		t.Fatalf("expected posted port 2001 to round-trip, got %+v", got)
	}
}

func TestPostConfigRejectsMalformedJSON(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader("{not json"))
	req.Header.Set("Token", "secret-token")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPostConfigRejectsZeroPrivateKey(t *testing.T) {
	s, _ := newTestServer()
	body := `{"2001":{"private_key":"` + (model.Key{}).String() + `","address":[],"peers":[]}}`
	req := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(body))
	req.Header.Set("Token", "secret-token")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestTrafficParsesSinceParameter(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/traffic?since=100", nil)
	req.Header.Set("Token", "secret-token")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestTrafficRejectsNonNumericSince(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/traffic?since=notanumber", nil)
	req.Header.Set("Token", "secret-token")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func testKey(b byte) model.Key {
	var k model.Key
	for i := range k {
		k[i] = b
	}
	return k
}

package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tripwire/monitor/internal/api"
	"github.com/tripwire/monitor/internal/ctype"
	"github.com/tripwire/monitor/internal/index"
	"github.com/tripwire/monitor/internal/playback"
	"github.com/tripwire/monitor/internal/registry"
)

var gccX64 = ctype.ABI{Compiler: ctype.GCC, Arch: ctype.X64}

func TestHealthzIsUnauthenticated(t *testing.T) {
	reg := registry.New(gccX64, nil)
	srv := api.NewServer(nil, reg, nil)
	r := api.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestGetStructReturnsLayout(t *testing.T) {
	reg := registry.New(gccX64, nil)
	res := reg.Parse("struct N { char a; int b; char c; };")
	if len(res.Errors) != 0 {
		t.Fatalf("parse errors: %v", res.Errors)
	}
	srv := api.NewServer(nil, reg, nil)
	r := api.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/structs/N", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["total_size"].(float64) != 12 {
		t.Errorf("total_size = %v, want 12", body["total_size"])
	}
}

func TestGetStructUnknownIs404(t *testing.T) {
	reg := registry.New(gccX64, nil)
	srv := api.NewServer(nil, reg, nil)
	r := api.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/structs/Nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestPlaybackEndpointsRejectUnknownStreamAndCommand(t *testing.T) {
	reg := registry.New(gccX64, nil)
	eng := playback.New(nil, nil, nil)
	defer eng.Close()

	idx := &index.Index{Entries: []index.Entry{
		{FilePosition: 0, PacketSize: 28, Timestamp: 1000, PacketID: 1, Sequence: 0},
		{FilePosition: 28, PacketSize: 28, Timestamp: 1010, PacketID: 2, Sequence: 1},
	}}

	srv := api.NewServer(nil, reg, map[string]*api.Stream{
		"demo": {Engine: eng, Index: idx},
	})
	r := api.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/playback/missing/state", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown stream status = %d, want 404", w.Code)
	}

	body := bytes.NewBufferString(`{"command":"unknown_command"}`)
	req = httptest.NewRequest(http.MethodPost, "/v1/playback/demo/command", body)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown command status = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}

func TestIndexStatsEndpoint(t *testing.T) {
	reg := registry.New(gccX64, nil)
	idx := &index.Index{Stats: index.Stats{Total: 3, Valid: 3, SourceFile: "stream.bin"}}
	srv := api.NewServer(nil, reg, map[string]*api.Stream{"demo": {Index: idx}})
	r := api.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/index/demo/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var stats index.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
}

package pprof

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"nudgebot/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.10:6060", false},
		{"not-an-addr", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/statusz", nil))
	if rec.Body.String() != "{}\n" {
		t.Fatalf("empty status body = %q", rec.Body.String())
	}

	s.SetStatus(func() any {
		return map[string]any{"jobs": 3, "running": true}
	})
	rec = httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/statusz", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got["jobs"] != float64(3) || got["running"] != true {
		t.Errorf("status = %v", got)
	}
}

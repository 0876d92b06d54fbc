package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	v := []float64{10, 20, 30, 40, 50}
	if got := percentile(v, 50); got != 30 {
		t.Fatalf("p50=%v want 30", got)
	}
	if got := percentile(v, 100); got != 50 {
		t.Fatalf("p100=%v want 50", got)
	}
	if got := percentile(nil, 95); got != 0 {
		t.Fatalf("empty=%v want 0", got)
	}
}

func TestPickIndex_Range(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	z := rand.NewZipf(r, 1.3, 1, 9)
	for range 1000 {
		if i := pickIndex(r, z, 10, 0.1); i < 0 || i > 10 {
			t.Fatalf("index %d out of range", i)
		}
	}
	if i := pickIndex(r, nil, 0, 0); i != 0 {
		t.Fatalf("empty catalog index=%d want 0", i)
	}
}

func TestOpenSession_WaitsForControl(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "abc"})
		case r.URL.Path == "/sessions/abc/control":
			polls++
			if polls < 2 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			_, _ = w.Write([]byte(`{"entries":[{"index":0},{"index":-1,"divider":true},{"index":1},{"index":2}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := &client{base: srv.URL, http: srv.Client()}
	id, n, err := c.openSession(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("openSession: %v", err)
	}
	if id != "abc" || n != 2 {
		t.Fatalf("id=%q n=%d", id, n)
	}
}

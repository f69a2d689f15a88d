package apiutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "Store not found")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Store not found"}` {
		t.Fatalf("body = %s", got)
	}
}

func TestWriteJSON_Status(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, map[string]any{"total": 3})
	if got := strings.TrimSpace(rec.Body.String()); got != `{"total":3}` {
		t.Fatalf("body = %s", got)
	}
}

func TestSetCacheStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	SetCacheStatus(rec, true)
	if rec.Header().Get("X-Cache") != "HIT" {
		t.Fatal("want HIT")
	}
	SetCacheStatus(rec, false)
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Fatal("want MISS")
	}
}

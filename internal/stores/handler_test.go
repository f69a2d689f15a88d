package stores

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/zecode-web/internal/httpmw"
)

type fixedLocator struct {
	loc Location
	ok  bool
	err error
	got net.IP
}

func (f *fixedLocator) Locate(ip net.IP) (Location, bool, error) {
	f.got = ip
	return f.loc, f.ok, f.err
}

func newRouter(t *testing.T, loc Locator) chi.Router {
	t.Helper()
	c, err := ParseCatalog(strings.NewReader(twoStores))
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager()
	m.Set(c, SourceSeed)
	r := chi.NewRouter()
	r.Use(httpmw.ClientID)
	NewHandler(Options{Manager: m, Locator: loc}).RegisterRoutes(r)
	return r
}

func get(h http.Handler, target string, hdr ...string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	h.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var b struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return b.Error
}

func TestHandleStores_List(t *testing.T) {
	rec := get(newRouter(t, nil), "/api/stores")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var b listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	if b.Total != 2 || len(b.Stores) != 2 || b.Stores[0].Slug != "whitefield" {
		t.Fatalf("body = %+v", b)
	}
}

func TestHandleStores_ByIDAndSlug(t *testing.T) {
	r := newRouter(t, nil)

	tests := []struct {
		target   string
		status   int
		wantSlug string
		wantErr  string
	}{
		{"/api/stores?id=11", http.StatusOK, "hsr-layout", ""},
		{"/api/stores?slug=whitefield", http.StatusOK, "whitefield", ""},
		{"/api/stores?id=10&slug=hsr-layout", http.StatusOK, "whitefield", ""},
		{"/api/stores?id=404", http.StatusNotFound, "", "Store not found"},
		{"/api/stores?slug=nope", http.StatusNotFound, "", "Store not found"},
		{"/api/stores?id=abc", http.StatusBadRequest, "", "Invalid store id"},
	}
	for _, tt := range tests {
		rec := get(r, tt.target)
		if rec.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.target, rec.Code, tt.status)
			continue
		}
		if tt.wantErr != "" {
			if got := errorOf(t, rec); got != tt.wantErr {
				t.Errorf("%s: error = %q", tt.target, got)
			}
			continue
		}
		var s Store
		if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil || s.Slug != tt.wantSlug {
			t.Errorf("%s: store = %+v (%v)", tt.target, s, err)
		}
	}
}

func TestHandleStores_NoCatalog(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(Options{}).RegisterRoutes(r)
	if rec := get(r, "/api/stores"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleNearest(t *testing.T) {
	loc := &fixedLocator{ok: true, loc: Location{Lat: 12.9120, Lng: 77.6400, City: "Bengaluru", Country: "IN"}}
	rec := get(newRouter(t, loc), "/api/stores/nearest?limit=1", "X-Forwarded-For", "49.207.1.1")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if loc.got.String() != "49.207.1.1" {
		t.Fatalf("located %v", loc.got)
	}
	var b struct {
		Origin Location         `json:"origin"`
		Stores []map[string]any `json:"stores"`
		Total  int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	if b.Total != 1 || b.Stores[0]["slug"] != "hsr-layout" || b.Origin.City != "Bengaluru" {
		t.Fatalf("body = %+v", b)
	}
	if _, ok := b.Stores[0]["distance_km"].(float64); !ok {
		t.Fatalf("distance_km missing: %v", b.Stores[0])
	}
}

func TestHandleNearest_LocationUnavailable(t *testing.T) {
	tests := []struct {
		name string
		loc  Locator
		xff  string
	}{
		{"no database", nil, "49.207.1.1"},
		{"unknown client", &fixedLocator{ok: true}, ""},
		{"not in database", &fixedLocator{ok: false}, "49.207.1.1"},
		{"lookup error", &fixedLocator{err: errors.New("corrupt db")}, "49.207.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hdr []string
			if tt.xff != "" {
				hdr = []string{"X-Forwarded-For", tt.xff}
			}
			rec := get(newRouter(t, tt.loc), "/api/stores/nearest", hdr...)
			if rec.Code != http.StatusNotFound || errorOf(t, rec) != "location unavailable" {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleNearest_BadLimit(t *testing.T) {
	for _, l := range []string{"0", "-2", "ten"} {
		rec := get(newRouter(t, &fixedLocator{ok: true}), "/api/stores/nearest?limit="+l)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d", l, rec.Code)
		}
	}
}

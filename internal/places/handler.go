package places

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/zecode-web/internal/apiutil"
	"github.com/keithlinneman/zecode-web/internal/httpmw"
	"github.com/keithlinneman/zecode-web/internal/log"
	"github.com/keithlinneman/zecode-web/internal/ratelimit"
	"github.com/keithlinneman/zecode-web/internal/ttlcache"
)

// RateLimit is the per-client policy for /api/places.
var RateLimit = ratelimit.Policy{Window: time.Minute, MaxRequests: 30}

// Response is the success body, cached as-is.
type Response struct {
	Success bool            `json:"success"`
	PlaceID string          `json:"placeId"`
	Data    json.RawMessage `json:"data"`
}

type Options struct {
	// Client is nil when no API key is configured.
	Client *Client
	Cache  *ttlcache.Cache[Response]

	// Limit wraps the route, normally a ratelimit.Guard middleware.
	Limit func(http.Handler) http.Handler

	OnCacheLookup func(hit bool)
}

type Handler struct {
	client        *Client
	cache         *ttlcache.Cache[Response]
	limit         func(http.Handler) http.Handler
	onCacheLookup func(bool)
}

func NewHandler(o Options) *Handler {
	if o.Cache == nil {
		o.Cache = ttlcache.New[Response]()
	}
	return &Handler{
		client:        o.Client,
		cache:         o.Cache,
		limit:         o.Limit,
		onCacheLookup: o.OnCacheLookup,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r = r.With(httpmw.Scope("places"))
	if h.limit != nil {
		r = r.With(h.limit)
	}
	r.Get("/api/places", h.ServeHTTP)
}

type query struct {
	placeID string
	address string
	name    string
}

func parseQuery(r *http.Request) query {
	q := r.URL.Query()
	return query{
		placeID: strings.TrimSpace(q.Get("placeId")),
		address: strings.TrimSpace(q.Get("address")),
		name:    strings.TrimSpace(q.Get("name")),
	}
}

func (q query) empty() bool { return q.placeID == "" && q.address == "" && q.name == "" }

// cacheKey prefers the place id, then the address, then the name. Text
// queries are case-folded so "MG Road" and "mg road" share an entry.
func (q query) cacheKey() string {
	switch {
	case q.placeID != "":
		return "id:" + q.placeID
	case q.address != "":
		return "addr:" + strings.ToLower(q.address)
	default:
		return "name:" + strings.ToLower(q.name)
	}
}

func (q query) text() string {
	if q.address != "" {
		return q.address
	}
	return q.name
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := parseQuery(r)

	if q.empty() {
		apiutil.WriteError(w, http.StatusBadRequest, "Please provide placeId, address, or name")
		return
	}
	if h.client == nil {
		apiutil.WriteError(w, http.StatusInternalServerError, "Google Places API key not configured")
		return
	}

	key := q.cacheKey()
	if cached, ok := h.cache.Get(key); ok {
		h.observeCache(true)
		apiutil.SetCacheStatus(w, true)
		apiutil.WriteJSON(w, http.StatusOK, cached)
		return
	}
	h.observeCache(false)
	apiutil.SetCacheStatus(w, false)

	L := log.FromContext(ctx)

	placeID := q.placeID
	if placeID == "" {
		id, err := h.client.FindPlaceID(ctx, q.text())
		switch {
		case errors.Is(err, ErrPlaceNotFound):
			L.Info(ctx, "place search returned no candidate", "cache_key", key)
			apiutil.WriteError(w, http.StatusNotFound, "Place not found")
			return
		case err != nil:
			h.upstreamFailed(w, r, err)
			return
		}
		placeID = id
	}

	data, err := h.client.Details(ctx, placeID)
	if err != nil {
		h.upstreamFailed(w, r, err)
		return
	}

	resp := Response{Success: true, PlaceID: placeID, Data: data}
	h.cache.Put(key, resp)
	apiutil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if errors.Is(err, ErrBudget) {
		log.FromContext(ctx).Warn(ctx, "places call budget exhausted", "error", err.Error())
		w.Header().Set("Retry-After", "1")
		apiutil.WriteError(w, http.StatusServiceUnavailable, "Place lookups are busy, please retry")
		return
	}
	log.FromContext(ctx).Error(ctx, err, "fetch place details failed")
	apiutil.WriteError(w, http.StatusBadGateway, "Failed to fetch place details")
}

func (h *Handler) observeCache(hit bool) {
	if h.onCacheLookup != nil {
		h.onCacheLookup(hit)
	}
}

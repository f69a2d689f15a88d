package stores

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/zecode-web/internal/apiutil"
	"github.com/keithlinneman/zecode-web/internal/httpmw"
	"github.com/keithlinneman/zecode-web/internal/log"
	"github.com/keithlinneman/zecode-web/internal/ratelimit"
)

// RateLimit is the per-client policy for the store endpoints.
var RateLimit = ratelimit.Policy{Window: time.Minute, MaxRequests: 120}

const DefaultNearestLimit = 3

type listResponse struct {
	Stores []Store `json:"stores"`
	Total  int     `json:"total"`
}

type nearestResponse struct {
	Origin Location      `json:"origin"`
	Stores []NearbyStore `json:"stores"`
	Total  int           `json:"total"`
}

type Options struct {
	Manager *Manager
	// Locator is nil when no GeoIP database is configured.
	Locator Locator
	Limit   func(http.Handler) http.Handler
}

type Handler struct {
	mgr     *Manager
	locator Locator
	limit   func(http.Handler) http.Handler
}

func NewHandler(o Options) *Handler {
	if o.Manager == nil {
		o.Manager = NewManager()
	}
	return &Handler{mgr: o.Manager, locator: o.Locator, limit: o.Limit}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r = r.With(httpmw.Scope("stores"))
	if h.limit != nil {
		r = r.With(h.limit)
	}
	r.Get("/api/stores", h.HandleStores)
	r.Get("/api/stores/nearest", h.HandleNearest)
}

func (h *Handler) catalog(w http.ResponseWriter) (*Catalog, bool) {
	c, ok := h.mgr.Catalog()
	if !ok {
		apiutil.WriteError(w, http.StatusServiceUnavailable, "store catalog not loaded")
	}
	return c, ok
}

// HandleStores lists the catalog, or returns one store for ?id= or ?slug=.
// id wins when both are given.
func (h *Handler) HandleStores(w http.ResponseWriter, r *http.Request) {
	c, ok := h.catalog(w)
	if !ok {
		return
	}
	q := r.URL.Query()

	if raw := strings.TrimSpace(q.Get("id")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "Invalid store id")
			return
		}
		s, found := c.ByID(id)
		h.writeOne(w, s, found)
		return
	}
	if slug := strings.TrimSpace(q.Get("slug")); slug != "" {
		s, found := c.BySlug(slug)
		h.writeOne(w, s, found)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, listResponse{Stores: c.All(), Total: c.Len()})
}

func (h *Handler) writeOne(w http.ResponseWriter, s Store, ok bool) {
	if !ok {
		apiutil.WriteError(w, http.StatusNotFound, "Store not found")
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, s)
}

// HandleNearest orders stores by distance from the client's GeoIP location.
func (h *Handler) HandleNearest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := DefaultNearestLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apiutil.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	c, ok := h.catalog(w)
	if !ok {
		return
	}

	if h.locator == nil {
		apiutil.WriteError(w, http.StatusNotFound, "location unavailable")
		return
	}
	ip := net.ParseIP(httpmw.ClientIDFromContext(ctx))
	if ip == nil {
		ip = net.ParseIP(httpmw.ClientIdentifier(r))
	}
	if ip == nil {
		apiutil.WriteError(w, http.StatusNotFound, "location unavailable")
		return
	}

	origin, found, err := h.locator.Locate(ip)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "geoip lookup failed")
	}
	if err != nil || !found {
		apiutil.WriteError(w, http.StatusNotFound, "location unavailable")
		return
	}

	nearby := c.Nearest(origin, limit)
	apiutil.WriteJSON(w, http.StatusOK, nearestResponse{Origin: origin, Stores: nearby, Total: len(nearby)})
}

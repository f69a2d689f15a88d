// Package instagram serves the storefront's latest Instagram posts from a
// five minute cache in front of the Graph API.
package instagram

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"

	"github.com/keithlinneman/zecode-web/internal/apiutil"
	"github.com/keithlinneman/zecode-web/internal/httpmw"
	"github.com/keithlinneman/zecode-web/internal/log"
	"github.com/keithlinneman/zecode-web/internal/otelx"
	"github.com/keithlinneman/zecode-web/internal/ratelimit"
	"github.com/keithlinneman/zecode-web/internal/ttlcache"
	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

const (
	DefaultBaseURL  = "https://graph.instagram.com"
	DefaultCacheTTL = 5 * time.Minute
	DefaultTimeout  = 10 * time.Second

	mediaFields = "id,caption,media_type,media_url,thumbnail_url,permalink,timestamp"
	mediaLimit  = "50"
	feedKey     = "latest"
)

// RateLimit is the per-client policy for /api/instagram/latest.
var RateLimit = ratelimit.Policy{Window: time.Minute, MaxRequests: 30}

// Media is one normalized post. Missing URLs and timestamps encode as null.
type Media struct {
	ID           string  `json:"id"`
	Caption      string  `json:"caption"`
	MediaType    string  `json:"media_type"`
	MediaURL     *string `json:"media_url"`
	ThumbnailURL *string `json:"thumbnail_url"`
	Permalink    *string `json:"permalink"`
	Timestamp    *string `json:"timestamp"`
}

type rawMedia struct {
	ID           string `json:"id"`
	Caption      string `json:"caption"`
	MediaType    string `json:"media_type"`
	MediaURL     string `json:"media_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Permalink    string `json:"permalink"`
	Timestamp    string `json:"timestamp"`
}

type mediaPage struct {
	Data []rawMedia `json:"data"`
}

type feedResponse struct {
	FromCache bool    `json:"fromCache"`
	Data      []Media `json:"data"`
}

type unconfiguredResponse struct {
	Data    []Media `json:"data"`
	Message string  `json:"message"`
}

type Options struct {
	UserID      string
	AccessToken string
	BaseURL     string
	Timeout     time.Duration
	Transport   http.RoundTripper

	Cache *ttlcache.Cache[[]Media]
	Limit func(http.Handler) http.Handler

	OnCacheLookup func(hit bool)
	OnCall        func(d time.Duration, err error)
}

type Handler struct {
	rc     *resty.Client
	userID string
	token  string
	cache  *ttlcache.Cache[[]Media]
	limit  func(http.Handler) http.Handler

	onCacheLookup func(bool)
	onCall        func(time.Duration, error)
}

func NewHandler(o Options) *Handler {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Transport == nil {
		o.Transport = otelx.Transport(http.DefaultTransport, "instagram")
	}
	if o.Cache == nil {
		o.Cache = ttlcache.New[[]Media](ttlcache.WithTTL(DefaultCacheTTL))
	}
	return &Handler{
		rc: resty.New().
			SetBaseURL(o.BaseURL).
			SetTimeout(o.Timeout).
			SetTransport(o.Transport),
		userID:        o.UserID,
		token:         o.AccessToken,
		cache:         o.Cache,
		limit:         o.Limit,
		onCacheLookup: o.OnCacheLookup,
		onCall:        o.OnCall,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r = r.With(httpmw.Scope("instagram"))
	if h.limit != nil {
		r = r.With(h.limit)
	}
	r.Get("/api/instagram/latest", h.ServeHTTP)
}

func (h *Handler) configured() bool { return h.userID != "" && h.token != "" }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.configured() {
		apiutil.WriteJSON(w, http.StatusOK, unconfiguredResponse{
			Data:    []Media{},
			Message: "Instagram API credentials not configured",
		})
		return
	}

	if items, ok := h.cache.Get(feedKey); ok {
		h.observeCache(true)
		apiutil.SetCacheStatus(w, true)
		apiutil.WriteJSON(w, http.StatusOK, feedResponse{FromCache: true, Data: items})
		return
	}
	h.observeCache(false)

	items, err := h.fetch(ctx)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "fetch instagram media failed")
		apiutil.WriteError(w, http.StatusBadGateway, "Failed to fetch from Instagram")
		return
	}

	h.cache.Put(feedKey, items)
	apiutil.SetCacheStatus(w, false)
	apiutil.WriteJSON(w, http.StatusOK, feedResponse{FromCache: false, Data: items})
}

func (h *Handler) fetch(ctx context.Context) (items []Media, err error) {
	start := time.Now()
	defer func() {
		if h.onCall != nil {
			h.onCall(time.Since(start), err)
		}
	}()

	var page mediaPage
	resp, err := h.rc.R().
		SetContext(ctx).
		SetPathParam("user", h.userID).
		SetQueryParams(map[string]string{
			"fields":       mediaFields,
			"access_token": h.token,
			"limit":        mediaLimit,
		}).
		SetResult(&page).
		ExpectContentType("application/json").
		Get("/{user}/media")
	if err != nil {
		// *url.Error repeats the request URL, which carries the token
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, xerrors.Wrap(err, "get instagram media")
	}
	if resp.IsError() {
		return nil, xerrors.Newf("get instagram media: upstream returned http %d: %s",
			resp.StatusCode(), truncate(resp.String(), 256))
	}
	return normalize(page.Data), nil
}

// normalize fills the thumbnail from the media url (videos have one, images
// do not) and turns empty strings into nulls.
func normalize(in []rawMedia) []Media {
	out := make([]Media, 0, len(in))
	for _, m := range in {
		thumb := m.ThumbnailURL
		if thumb == "" {
			thumb = m.MediaURL
		}
		out = append(out, Media{
			ID:           m.ID,
			Caption:      m.Caption,
			MediaType:    m.MediaType,
			MediaURL:     nullable(m.MediaURL),
			ThumbnailURL: nullable(thumb),
			Permalink:    nullable(m.Permalink),
			Timestamp:    nullable(m.Timestamp),
		})
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func (h *Handler) observeCache(hit bool) {
	if h.onCacheLookup != nil {
		h.onCacheLookup(hit)
	}
}

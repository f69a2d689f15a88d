// Package cms is a read-only proxy to the Directus headless CMS. It adds
// per-collection Cache-Control so the CDN absorbs most storefront traffic.
package cms

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"

	"github.com/keithlinneman/zecode-web/internal/apiutil"
	"github.com/keithlinneman/zecode-web/internal/httpmw"
	"github.com/keithlinneman/zecode-web/internal/log"
	"github.com/keithlinneman/zecode-web/internal/otelx"
	"github.com/keithlinneman/zecode-web/internal/pathutil"
	"github.com/keithlinneman/zecode-web/internal/ratelimit"
	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

const (
	DefaultTimeout = 10 * time.Second
	Prefix         = "/api/cms"
)

// RateLimit is the per-client policy for the CMS proxy.
var RateLimit = ratelimit.Policy{Window: time.Minute, MaxRequests: 120}

var ErrInvalidPath = errors.New("invalid cms path")

type cacheRule struct {
	match  string
	maxAge int
}

// Checked in order; the first substring found in the path wins.
var cacheRules = []cacheRule{
	{"products", 300},
	{"hero_slides", 600},
	{"stores", 1800},
	{"categories", 600},
	{"assets", 86400},
}

const (
	defaultMaxAge = 60
	assetMaxAge   = 86400
)

// MaxAge returns the max-age in seconds for a CMS path.
func MaxAge(path string) int {
	for _, r := range cacheRules {
		if strings.Contains(path, r.match) {
			return r.maxAge
		}
	}
	return defaultMaxAge
}

func cacheControl(maxAge int) string {
	return fmt.Sprintf("public, max-age=%d, stale-while-revalidate=%d", maxAge, maxAge*2)
}

// passthrough response headers
var copyHeaders = []string{"ETag", "Last-Modified", "Content-Length"}

type errorResponse struct {
	Error string `json:"error"`
	Data  any    `json:"data"`
}

type Options struct {
	// BaseURL is the Directus root, e.g. https://cms.example.com
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
	Limit     func(http.Handler) http.Handler

	OnCall func(d time.Duration, err error)
}

type Proxy struct {
	base   *url.URL
	rc     *resty.Client
	limit  func(http.Handler) http.Handler
	onCall func(time.Duration, error)
}

func New(o Options) (*Proxy, error) {
	base, err := url.Parse(o.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, xerrors.Newf("cms base url must be http(s), got %q", o.BaseURL)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Transport == nil {
		o.Transport = otelx.Transport(http.DefaultTransport, "directus")
	}
	return &Proxy{
		base: base,
		rc: resty.New().
			SetTimeout(o.Timeout).
			SetTransport(o.Transport).
			// redirects would escape the path checks below
			SetRedirectPolicy(resty.NoRedirectPolicy()),
		limit:  o.Limit,
		onCall: o.OnCall,
	}, nil
}

func (p *Proxy) RegisterRoutes(r chi.Router) {
	r = r.With(httpmw.Scope("cms"))
	if p.limit != nil {
		r = r.With(p.limit)
	}
	r.Get(Prefix+"/*", p.ServeHTTP)
}

// CleanPath unescapes the wildcard part of the route and rejects anything
// that could walk out of the Directus API root.
func CleanPath(raw string) (string, error) {
	p, err := url.PathUnescape(raw)
	if err != nil {
		return "", xerrors.Wrap(ErrInvalidPath, err.Error())
	}
	p = strings.TrimPrefix(p, "/")
	if err := pathutil.CheckRelative(p); err != nil {
		return "", xerrors.Wrap(ErrInvalidPath, err.Error())
	}
	// ".." anywhere, not just as a segment, is never a valid Directus path
	if strings.Contains(p, "..") {
		return "", xerrors.Wrap(ErrInvalidPath, "parent reference")
	}
	return p, nil
}

func (p *Proxy) upstreamURL(path, rawQuery string) string {
	u := *p.base
	u.Path = strings.TrimSuffix(p.base.Path, "/") + "/" + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.Fragment = ""
	return u.String()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	path, err := CleanPath(chi.URLParam(r, "*"))
	if err != nil {
		L.Warn(ctx, "rejected cms path", "error", err.Error())
		apiutil.WriteError(w, http.StatusBadRequest, "invalid path")
		return
	}

	req := p.rc.R().SetContext(ctx).SetDoNotParseResponse(true)
	if accept := r.Header.Get("Accept"); accept != "" {
		req.SetHeader("Accept", accept)
	}

	start := time.Now()
	resp, err := req.Get(p.upstreamURL(path, r.URL.RawQuery))
	if p.onCall != nil {
		p.onCall(time.Since(start), err)
	}
	if err != nil {
		L.Error(ctx, xerrors.Wrapf(err, "proxy cms %s", path), "cms request failed")
		w.Header().Set("Cache-Control", "no-store")
		apiutil.WriteJSON(w, http.StatusBadGateway, errorResponse{Error: "Failed to fetch from CMS", Data: nil})
		return
	}
	body := resp.RawBody()
	defer body.Close()

	ct := resp.Header().Get("Content-Type")
	isAsset := strings.HasPrefix(path, "assets/") || path == "assets"
	isJSON := strings.Contains(ct, "application/json")

	h := w.Header()
	for _, k := range copyHeaders {
		if v := resp.Header().Get(k); v != "" {
			h.Set(k, v)
		}
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	status := resp.StatusCode()
	switch {
	case status < 200 || status > 299:
		h.Set("Cache-Control", "no-store")
	case isAsset || !isJSON:
		h.Set("Cache-Control", cacheControl(assetMaxAge))
	default:
		h.Set("Cache-Control", cacheControl(MaxAge(path)))
	}

	w.WriteHeader(status)
	if _, err := io.Copy(w, body); err != nil {
		L.Warn(ctx, "cms response copy interrupted", "cms_path", path, "error", err.Error())
	}
}

// Package places serves Google Places details and reviews for store pages.
// Successful lookups are cached for a day and every outbound call draws from
// a process-wide token bucket so a cache-busting client cannot run up the
// Places bill.
package places

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/zecode-web/internal/otelx"
	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

const (
	DefaultBaseURL = "https://maps.googleapis.com/maps/api/place"
	DefaultTimeout = 10 * time.Second

	// DetailFields is the field mask sent to the details endpoint.
	DetailFields = "name,formatted_address,formatted_phone_number,website,opening_hours,rating,user_ratings_total,reviews,photos,geometry,url"
)

var (
	// ErrPlaceNotFound means the text search returned no candidate.
	ErrPlaceNotFound = errors.New("place not found")
	// ErrDetailsStatus means the details endpoint answered with a status other than OK.
	ErrDetailsStatus = errors.New("place details status not OK")
	// ErrBudget means the outbound spend limiter could not admit the call before the request gave up.
	ErrBudget = errors.New("places call budget exhausted")
)

type ClientOptions struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// Limiter gates every outbound call. nil means unlimited.
	Limiter *rate.Limiter

	// Transport defaults to an otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper

	// OnCall observes each upstream call, used for metrics
	OnCall func(d time.Duration, err error)
}

// Client talks to the Places web service.
type Client struct {
	rc      *resty.Client
	key     string
	limiter *rate.Limiter
	onCall  func(time.Duration, error)
}

func NewClient(o ClientOptions) *Client {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Transport == nil {
		o.Transport = otelx.Transport(http.DefaultTransport, "google-places")
	}
	rc := resty.New().
		SetBaseURL(o.BaseURL).
		SetTimeout(o.Timeout).
		SetTransport(o.Transport).
		SetHeader("Accept", "application/json")
	return &Client{rc: rc, key: o.APIKey, limiter: o.Limiter, onCall: o.OnCall}
}

type findResponse struct {
	Status     string `json:"status"`
	Candidates []struct {
		PlaceID string `json:"place_id"`
	} `json:"candidates"`
}

type detailsResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// FindPlaceID resolves a free-text query (an address or a store name) to a place id.
func (c *Client) FindPlaceID(ctx context.Context, query string) (string, error) {
	var out findResponse
	err := c.get(ctx, "/findplacefromtext/json", map[string]string{
		"input":     query,
		"inputtype": "textquery",
		"fields":    "place_id",
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Status != "OK" || len(out.Candidates) == 0 || out.Candidates[0].PlaceID == "" {
		return "", xerrors.Wrapf(ErrPlaceNotFound, "find place (status %s)", out.Status)
	}
	return out.Candidates[0].PlaceID, nil
}

// Details returns the raw details result for placeID.
func (c *Client) Details(ctx context.Context, placeID string) (json.RawMessage, error) {
	var out detailsResponse
	err := c.get(ctx, "/details/json", map[string]string{
		"place_id": placeID,
		"fields":   DetailFields,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Status != "OK" {
		return nil, xerrors.Wrapf(ErrDetailsStatus, "place details %s (status %s)", placeID, out.Status)
	}
	return out.Result, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) (err error) {
	if c.limiter != nil {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return xerrors.Wrapf(errors.Join(ErrBudget, werr), "wait for %s", path)
		}
	}

	start := time.Now()
	defer func() {
		if c.onCall != nil {
			c.onCall(time.Since(start), err)
		}
	}()

	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetQueryParam("key", c.key).
		SetResult(out).
		ExpectContentType("application/json").
		Get(path)
	if err != nil {
		// *url.Error repeats the request URL, which carries the API key
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return xerrors.Wrapf(err, "get %s", path)
	}
	if resp.IsError() {
		return xerrors.Newf("get %s: upstream returned http %d", path, resp.StatusCode())
	}
	return nil
}

// Package vto serves virtual try-on: a shopper's photo and a garment image go
// to the Gemini image generation API, which returns the shopper wearing the
// garment. Calls are slow and billed per image, so they draw from a
// process-wide token bucket like the Places client.
package vto

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/zecode-web/internal/otelx"
	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.0-flash-exp-image-generation"
	DefaultTimeout = 60 * time.Second

	// generatePath is the generateContent endpoint; {model} is filled per request.
	generatePath = "/models/{model}:generateContent"
)

var (
	// ErrBudget means the outbound spend limiter could not admit the call before the request gave up.
	ErrBudget = errors.New("vto call budget exhausted")
	// ErrNoImage means Gemini answered without an image part.
	ErrNoImage = errors.New("gemini returned no image")
)

// StatusError is a non-2xx answer from Gemini.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("gemini returned http %d", e.Code) }

type ClientOptions struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration

	// Limiter gates every outbound call. nil means unlimited.
	Limiter *rate.Limiter

	// Transport defaults to an otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper

	// OnCall observes each upstream call, used for metrics
	OnCall func(d time.Duration, err error)
}

// Client talks to the Gemini generateContent endpoint.
type Client struct {
	rc      *resty.Client
	model   string
	limiter *rate.Limiter
	onCall  func(time.Duration, error)
}

func NewClient(o ClientOptions) *Client {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Transport == nil {
		o.Transport = otelx.Transport(http.DefaultTransport, "gemini")
	}
	// the key travels in a header so it never appears in a URL or an error
	rc := resty.New().
		SetBaseURL(o.BaseURL).
		SetTimeout(o.Timeout).
		SetTransport(o.Transport).
		SetHeader("Accept", "application/json").
		SetHeader("x-goog-api-key", o.APIKey)
	return &Client{rc: rc, model: o.Model, limiter: o.Limiter, onCall: o.OnCall}
}

func (c *Client) Model() string { return c.model }

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type requestPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
	Temperature        float64  `json:"temperature"`
	TopK               int      `json:"topK"`
	TopP               float64  `json:"topP"`
	MaxOutputTokens    int      `json:"maxOutputTokens"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type content struct {
	Parts []requestPart `json:"parts"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

func newGenerateRequest(prompt, person, garment string) generateRequest {
	req := generateRequest{Contents: []content{{Parts: []requestPart{
		{Text: prompt},
		{InlineData: &inlineData{MimeType: "image/jpeg", Data: person}},
		{InlineData: &inlineData{MimeType: "image/png", Data: garment}},
	}}}}
	req.GenerationConfig = generationConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		Temperature:        0.4,
		TopK:               32,
		TopP:               1,
		MaxOutputTokens:    8192,
	}
	for _, cat := range safetyCategories {
		req.SafetySettings = append(req.SafetySettings, safetySetting{Category: cat, Threshold: "BLOCK_MEDIUM_AND_ABOVE"})
	}
	return req
}

// Result is what Gemini produced. Image is a data URL; Text is the model's
// last text part, if any.
type Result struct {
	Image string
	Text  string
}

// Generate sends one try-on. person and garment are bare base64 payloads.
// A response without an image returns ErrNoImage alongside any text the
// model gave instead.
func (c *Client) Generate(ctx context.Context, t TryOn, person, garment string) (res Result, err error) {
	if c.limiter != nil {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return Result{}, xerrors.Wrap(errors.Join(ErrBudget, werr), "wait for gemini")
		}
	}

	start := time.Now()
	defer func() {
		if c.onCall != nil {
			c.onCall(time.Since(start), err)
		}
	}()

	var out generateResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("model", c.model).
		SetBody(newGenerateRequest(t.Prompt(), person, garment)).
		SetResult(&out).
		ExpectContentType("application/json").
		Post(generatePath)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return Result{}, xerrors.Wrapf(err, "generate with %s", c.model)
	}
	if resp.IsError() {
		return Result{}, xerrors.Wrapf(&StatusError{Code: resp.StatusCode()}, "generate with %s", c.model)
	}

	if len(out.Candidates) > 0 {
		for _, p := range out.Candidates[0].Content.Parts {
			switch {
			case p.InlineData != nil && p.InlineData.Data != "":
				mime := p.InlineData.MimeType
				if mime == "" {
					mime = "image/png"
				}
				res.Image = "data:" + mime + ";base64," + p.InlineData.Data
			case p.Text != "":
				res.Text = p.Text
			}
		}
	}
	if res.Image == "" {
		return res, xerrors.WithStack(ErrNoImage)
	}
	return res, nil
}

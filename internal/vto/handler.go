package vto

import (
	"encoding/json"
	"errors"
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

const (
	Path = "/api/vto/gemini"

	// MaxRequestBody fits two base64 photos.
	MaxRequestBody = 20 << 20
)

// RateLimit is the per-client policy for try-on. Each call renders an image.
var RateLimit = ratelimit.Policy{Window: time.Minute, MaxRequests: 5}

const noImageDetails = "Gemini did not return an image. This may be due to content policy or the model being unable to process the request."

// Request is the POST body.
type Request struct {
	UserImage          string      `json:"userImage"`
	GarmentImage       string      `json:"garmentImage"`
	GarmentType        GarmentType `json:"garmentType,omitempty"`
	GarmentDescription string      `json:"garmentDescription,omitempty"`
}

// Response is the success body.
type Response struct {
	Success bool   `json:"success"`
	Image   string `json:"image"`
	Text    string `json:"text,omitempty"`
}

type noImageBody struct {
	Error   string `json:"error"`
	Text    string `json:"text,omitempty"`
	Details string `json:"details"`
}

type Options struct {
	// Client is nil when no API key is configured.
	Client *Client

	// Limit wraps the route, normally a ratelimit.Guard middleware.
	Limit func(http.Handler) http.Handler
}

type Handler struct {
	client *Client
	limit  func(http.Handler) http.Handler
}

func NewHandler(o Options) *Handler {
	return &Handler{client: o.Client, limit: o.Limit}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r = r.With(httpmw.Scope("vto"))
	if h.limit != nil {
		r = r.With(h.limit)
	}
	r.Post(Path, h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	if h.client == nil {
		apiutil.WriteError(w, http.StatusInternalServerError, "Gemini API key not configured. Set GOOGLE_GEMINI_API_KEY in environment.")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			apiutil.WriteError(w, http.StatusRequestEntityTooLarge, "Images are too large")
			return
		}
		apiutil.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	person := stripDataURL(strings.TrimSpace(req.UserImage))
	garment := stripDataURL(strings.TrimSpace(req.GarmentImage))
	if person == "" || garment == "" {
		apiutil.WriteError(w, http.StatusBadRequest, "Both userImage and garmentImage are required")
		return
	}
	if req.GarmentType == "" {
		req.GarmentType = GarmentTop
	}
	if !req.GarmentType.Valid() {
		apiutil.WriteError(w, http.StatusBadRequest, "garmentType must be one of top, bottom, dress, full-body")
		return
	}

	t := TryOn{Type: req.GarmentType, Description: strings.TrimSpace(req.GarmentDescription)}
	res, err := h.client.Generate(ctx, t, person, garment)
	var status *StatusError
	switch {
	case err == nil:
		apiutil.WriteJSON(w, http.StatusOK, Response{Success: true, Image: res.Image, Text: res.Text})
	case errors.Is(err, ErrNoImage):
		L.Warn(ctx, "gemini returned no image", "model", h.client.Model(), "garment_type", string(t.Type))
		apiutil.WriteJSON(w, http.StatusUnprocessableEntity, noImageBody{
			Error:   "No image generated",
			Text:    res.Text,
			Details: noImageDetails,
		})
	case errors.Is(err, ErrBudget), errors.As(err, &status) && status.Code == http.StatusTooManyRequests:
		L.Warn(ctx, "try-on capacity exhausted", "error", err.Error())
		w.Header().Set("Retry-After", "1")
		apiutil.WriteError(w, http.StatusServiceUnavailable, "Try-on is busy, please retry")
	case status != nil:
		L.Error(ctx, err, "gemini generate failed", "model", h.client.Model())
		apiutil.WriteError(w, http.StatusBadGateway, "Gemini API error: "+strconv.Itoa(status.Code))
	default:
		L.Error(ctx, err, "gemini generate failed", "model", h.client.Model())
		apiutil.WriteError(w, http.StatusBadGateway, "Failed to generate try-on image")
	}
}

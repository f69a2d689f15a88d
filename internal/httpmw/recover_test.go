package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/keithlinneman/zecode-web/internal/log"
)

// spyLogger captures Error calls for assertions.
type spyLogger struct {
	log.Logger
	mu     sync.Mutex
	errors []spyError
	with   []any
}

type spyError struct {
	msg string
	err error
	kv  []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{Logger: log.Nop()}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	s.mu.Lock()
	s.with = append(s.with, kv...)
	s.mu.Unlock()
	return s
}

func (s *spyLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, spyError{msg: msg, err: err, kv: kv})
}

func (s *spyLogger) lastError() (spyError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) == 0 {
		return spyError{}, false
	}
	return s.errors[len(s.errors)-1], true
}

func TestRecover_NoPanic(t *testing.T) {
	spy := newSpyLogger()
	h := Recover(spy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusCreated || rec.Body.String() != "created" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if _, logged := spy.lastError(); logged {
		t.Fatal("error logged when no panic occurred")
	}
}

func TestRecover_StringPanic(t *testing.T) {
	spy := newSpyLogger()
	var panics int
	h := Recover(spy, func() { panics++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something broke")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/places", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Internal server error"}` {
		t.Fatalf("body = %s", got)
	}
	e, ok := spy.lastError()
	if !ok || e.msg != "httpserver panic recovered" {
		t.Fatalf("logged = %+v", e)
	}
	if !strings.Contains(e.err.Error(), "something broke") {
		t.Fatalf("err = %v", e.err)
	}
	if panics != 1 {
		t.Fatalf("onPanic called %d times", panics)
	}
}

func TestRecover_ErrorPanicKeepsCause(t *testing.T) {
	spy := newSpyLogger()
	cause := errors.New("nil map write")
	h := Recover(spy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(cause)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	e, _ := spy.lastError()
	if !errors.Is(e.err, cause) {
		t.Fatalf("err = %v, want wrapping %v", e.err, cause)
	}
}

func TestRecover_LogsMethodAndPath(t *testing.T) {
	spy := newSpyLogger()
	h := Recover(spy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("x")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/cms/items", http.NoBody))

	joined := make([]string, 0, len(spy.with))
	for _, v := range spy.with {
		if s, ok := v.(string); ok {
			joined = append(joined, s)
		}
	}
	got := strings.Join(joined, " ")
	if !strings.Contains(got, "POST") || !strings.Contains(got, "/api/cms/items") {
		t.Fatalf("With fields = %v", spy.with)
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	h := Recover(newSpyLogger(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
}

func TestRecover_NilLogger(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

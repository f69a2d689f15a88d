package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/zecode-web/internal/apiutil"
	"github.com/keithlinneman/zecode-web/internal/log"
	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

// Recover turns a handler panic into a 500 JSON response. onPanic, if set,
// runs after logging and is used for the panic counter.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", v)
				}
				L.With("http.request.method", r.Method, "url.path", r.URL.Path).
					Error(r.Context(), err, "httpserver panic recovered", "panic_stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic()
				}
				apiutil.WriteError(w, http.StatusInternalServerError, "Internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

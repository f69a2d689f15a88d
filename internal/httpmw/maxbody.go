package httpmw

import "net/http"

// MaxBody caps request bodies; reading past n fails and net/http answers 413.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return MaxBodyByPath(n, nil)
}

// MaxBodyByPath is MaxBody with exact-path overrides. Paths missing from
// limits get def.
func MaxBodyByPath(def int64, limits map[string]int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				n := def
				if l, ok := limits[r.URL.Path]; ok {
					n = l
				}
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

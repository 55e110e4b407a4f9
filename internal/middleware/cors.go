package middleware

import "net/http"

type OriginCheck func(r *http.Request) bool

// CORS middleware. Preflight requests of allowed origins are answered directly.
type CORS struct {
	originCheck OriginCheck
}

func NewCORS(originCheck OriginCheck) *CORS {
	return &CORS{originCheck: originCheck}
}

func (c *CORS) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		allowed := r.Header.Get("Origin") != "" && c.originCheck(r)
		if allowed {
			header.Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
			if allowHeaders := r.Header.Get("Access-Control-Request-Headers"); allowHeaders != "" && allowHeaders != "null" {
				header.Add("Access-Control-Allow-Headers", allowHeaders)
			}
			header.Set("Access-Control-Allow-Credentials", "true")
			header.Add("Vary", "Origin")
		}
		if allowed && r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

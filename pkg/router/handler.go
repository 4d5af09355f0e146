package router

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// Handler serves origin through rt as a reverse proxy. Requests keep the
// origin's host, so the router classifies them as local.
func Handler(rt *Router, origin *url.URL, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			logger.Warn("failed to proxy request",
				"url", req.URL.String(),
				"error", err)
			http.Error(w, "Resource unavailable", http.StatusServiceUnavailable)
		},
	}
}

package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// hopByHopHeaders are stripped from the sidecar's response before it is
// relayed to the browser, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// ServerConfig wires the bearer token and sidecar target used by the
// non-WS HTTP routes.
type ServerConfig struct {
	LogIngestToken string
	SidecarHost    string
	SidecarPort    string
}

// NewRouter builds the full HTTP mux: /ws, /api/logs/ingest, /metrics,
// /health, and /api/sidecar/stream when cfg.SidecarHost is set. gatherer is the
// process's metrics registry; nil falls back to the default registry.
func NewRouter(hub *Hub, cfg ServerConfig, logger log.Logger, gatherer prometheus.Gatherer) *mux.Router {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws", hub.ServeWS)
	r.HandleFunc("/api/logs/ingest", logIngestHandler(hub, cfg.LogIngestToken, logger)).Methods(http.MethodPost)
	r.Handle("/metrics", metricsHandler)
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	if cfg.SidecarHost != "" {
		r.HandleFunc("/api/sidecar/stream", sidecarProxyHandler(cfg, logger))
	}
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// logIngestHandler implements POST /api/logs/ingest: bearer-token-gated,
// accepts one LogEntry JSON body per request.
func logIngestHandler(hub *Hub, token string, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		var entry LogEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			_ = level.Warn(logger).Log("msg", "malformed log-ingest body", "err", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		hub.IngestLog(entry)
		w.WriteHeader(http.StatusAccepted)
	}
}

// sidecarProxyHandler reverse-proxies the MJPEG capture stream
// (multipart/x-mixed-replace) from the sidecar, stripping hop-by-hop
// headers.
func sidecarProxyHandler(cfg ServerConfig, logger log.Logger) http.HandlerFunc {
	target := &url.URL{Scheme: "http", Host: cfg.SidecarHost + ":" + cfg.SidecarPort}
	proxy := httputil.NewSingleHostReverseProxy(target)
	baseDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		baseDirector(req)
		req.URL.Path = "/stream"
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		for _, h := range hopByHopHeaders {
			resp.Header.Del(h)
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		_ = level.Warn(logger).Log("msg", "sidecar proxy error", "err", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy.ServeHTTP
}

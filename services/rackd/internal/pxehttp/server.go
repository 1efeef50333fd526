// Package pxehttp serves boot files over HTTP for firmware that fetches
// its loader configs and images that way.
package pxehttp

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"rackd/services/rackd/internal/tftp"
)

// BootSource resolves a requested boot file.
type BootSource interface {
	Reader(ctx context.Context, req tftp.Request) (io.ReadCloser, int64, error)
}

type Handler struct {
	source   BootSource
	logger   *log.Logger
	requests *prometheus.CounterVec
}

// NewHandler registers its request counter on reg when reg is not nil.
func NewHandler(source BootSource, reg prometheus.Registerer, logger *log.Logger) (*Handler, error) {
	if source == nil {
		return nil, errors.New("boot source is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		source: source,
		logger: logger,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rackd_http_boot_requests_total",
				Help: "HTTP boot file requests by response status",
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		if err := reg.Register(h.requests); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Routes returns the router for /images/*.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/images/*", h.serveImage)
	r.Head("/images/*", h.serveImage)
	return r
}

func (h *Handler) serveImage(w http.ResponseWriter, r *http.Request) {
	req := tftp.Request{
		FileName:    chi.URLParam(r, "*"),
		Protocol:    "http",
		SkipLogging: true,
	}
	req.RemoteIP, req.RemotePort = splitAddr(r.RemoteAddr)
	if local, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		req.LocalIP, req.LocalPort = splitAddr(local.String())
	}

	rc, size, err := h.source.Reader(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tftp.ErrNotFound) {
			status = http.StatusNotFound
		}
		h.requests.WithLabelValues(strconv.Itoa(status)).Inc()
		http.Error(w, err.Error(), status)
		return
	}
	defer rc.Close()

	h.requests.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Printf("WARN http boot: sending %s to %s: %v", req.FileName, req.RemoteIP, err)
	}
}

func splitAddr(addr string) (string, int) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	n, _ := strconv.Atoi(port)
	return host, n
}

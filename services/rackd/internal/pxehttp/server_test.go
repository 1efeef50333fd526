package pxehttp

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rackd/services/rackd/internal/tftp"
)

type fakeSource struct {
	last tftp.Request
}

func (s *fakeSource) Reader(ctx context.Context, req tftp.Request) (io.ReadCloser, int64, error) {
	s.last = req
	switch req.FileName {
	case "ubuntu/amd64/generic/jammy/stable/boot-kernel":
		return io.NopCloser(strings.NewReader("kernel")), 6, nil
	case "broken":
		return nil, 0, &tftp.Error{Message: "boom"}
	case "stream":
		return io.NopCloser(strings.NewReader("streamed")), -1, nil
	}
	return nil, 0, tftp.ErrNotFound
}

func counterValue(t *testing.T, reg *prometheus.Registry, status string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == status {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestServeImage(t *testing.T) {
	src := &fakeSource{}
	reg := prometheus.NewRegistry()
	h, err := NewHandler(src, reg, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	routes := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/images/ubuntu/amd64/generic/jammy/stable/boot-kernel", nil)
	req.RemoteAddr = "10.0.0.50:4000"
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kernel", rec.Body.String())
	assert.Equal(t, "6", rec.Header().Get("Content-Length"))
	assert.Equal(t, "10.0.0.50", src.last.RemoteIP)
	assert.Equal(t, 4000, src.last.RemotePort)
	assert.Equal(t, "http", src.last.Protocol)
	assert.True(t, src.last.SkipLogging)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/stream", nil))
	assert.Equal(t, "streamed", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Length"))

	assert.Equal(t, float64(2), counterValue(t, reg, "200"))
}

func TestServeImageErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := NewHandler(&fakeSource{}, reg, nil)
	require.NoError(t, err)
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/broken", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")

	assert.Equal(t, float64(1), counterValue(t, reg, "404"))
	assert.Equal(t, float64(1), counterValue(t, reg, "500"))
}

func TestNewHandler(t *testing.T) {
	_, err := NewHandler(nil, nil, nil)
	assert.Error(t, err)

	reg := prometheus.NewRegistry()
	_, err = NewHandler(&fakeSource{}, reg, nil)
	require.NoError(t, err)
	_, err = NewHandler(&fakeSource{}, reg, nil)
	var already prometheus.AlreadyRegisteredError
	assert.True(t, errors.As(err, &already))
}

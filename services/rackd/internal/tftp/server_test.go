package tftp

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pin/tftp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource struct {
	mu    sync.Mutex
	files map[string]string
	seen  []Request
}

func (m *mapSource) Reader(ctx context.Context, req Request) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, req)
	content, ok := m.files[req.FileName]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return io.NopCloser(strings.NewReader(content)), int64(len(content)), nil
}

func TestServerServesAndRecordsLatency(t *testing.T) {
	src := &mapSource{files: map[string]string{"pxelinux.cfg/default": "DEFAULT local\n"}}
	reg := prometheus.NewRegistry()
	srv, err := Listen(context.Background(), "127.0.0.1", ServerConfig{
		Timeout: time.Second,
		Source:  src,
		Metrics: NewMetrics(reg),
		Logger:  log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	defer srv.Shutdown()

	client, err := tftp.NewClient(srv.Addr().String())
	require.NoError(t, err)

	wt, err := client.Receive("pxelinux.cfg/default", "octet")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = wt.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "DEFAULT local\n", buf.String())

	require.Eventually(t, func() bool {
		families, err := reg.Gather()
		return err == nil && len(families) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = client.Receive("missing", "octet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")

	src.mu.Lock()
	defer src.mu.Unlock()
	require.NotEmpty(t, src.seen)
	assert.Equal(t, "127.0.0.1", src.seen[0].LocalIP)
	assert.Equal(t, "127.0.0.1", src.seen[0].RemoteIP)
	assert.Equal(t, "tftp", src.seen[0].Protocol)
}

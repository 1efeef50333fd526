package tftp

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rackd/pkg/render"
	"rackd/services/rackd/internal/boot"
	"rackd/services/rackd/internal/images"
	"rackd/services/rackd/internal/rpc"
)

type call struct {
	op   string
	args map[string]string
}

type fakeClient struct {
	mu    sync.Mutex
	calls []call
	resp  map[string]string
	err   error
}

func (c *fakeClient) Ident() string      { return "region-1" }
func (c *fakeClient) LocalIdent() string { return "rack-1" }

func (c *fakeClient) Call(ctx context.Context, op rpc.Operation, args map[string]string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{op: op.Name, args: args})
	if op.Name == rpc.GetBootConfig.Name {
		return c.resp, c.err
	}
	return nil, nil
}

func (c *fakeClient) callsTo(op string) []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []call
	for _, c := range c.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeDirectory struct {
	client rpc.Client
	err    error
}

func (d fakeDirectory) ClientFor(ctx context.Context, remoteIP string) (rpc.Client, error) {
	return d.client, d.err
}

type staticCatalog []images.Image

func (c staticCatalog) List() ([]images.Image, error) { return c, nil }

type fakeNeighbors map[string]string

func (n fakeNeighbors) LookupMAC(ip string) (string, bool) {
	mac, ok := n[ip]
	return mac, ok
}

type fakeEvents struct {
	mu     sync.Mutex
	events []RequestEvent
	subj   []string
}

func (e *fakeEvents) Publish(ctx context.Context, subj string, v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subj = append(e.subj, subj)
	e.events = append(e.events, v.(RequestEvent))
	return nil
}

var jammy = images.Image{
	OSystem: "ubuntu", Release: "jammy", Architecture: "amd64", Subarchitecture: "generic",
	Purpose: "commissioning", Label: "stable", SupportedSubarches: "generic,hwe-22.04",
}

type fixture struct {
	backend *Backend
	client  *fakeClient
	events  *fakeEvents
	logs    *bytes.Buffer
	root    string
}

func newFixture(t *testing.T, resp map[string]string, catalog images.Catalog) *fixture {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	f := &fixture{
		client: &fakeClient{resp: resp},
		events: &fakeEvents{},
		logs:   &bytes.Buffer{},
		root:   t.TempDir(),
	}
	f.backend, err = NewBackend(BackendConfig{
		Root:      f.root,
		Methods:   boot.DefaultRegistry(engine),
		Directory: fakeDirectory{client: f.client},
		Catalog:   catalog,
		Neighbors: fakeNeighbors{"10.0.0.50": "aa:bb:cc:dd:ee:50"},
		Events:    f.events,
		Endpoints: boot.Endpoints{LogPort: 5247},
		Logger:    log.New(f.logs, "", 0),
	})
	require.NoError(t, err)
	return f
}

func commissioning() map[string]string {
	return map[string]string{
		"osystem":   "ubuntu",
		"release":   "jammy",
		"arch":      "amd64",
		"subarch":   "generic",
		"purpose":   "commissioning",
		"hostname":  "node1",
		"domain":    "maas",
		"system_id": "abc123",
	}
}

func read(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestReaderRendersBootConfig(t *testing.T) {
	f := newFixture(t, commissioning(), staticCatalog{jammy})

	rc, size, err := f.backend.Reader(context.Background(), Request{
		FileName: `pxelinux.cfg\01-AA-BB-CC-DD-EE-FF`,
		RemoteIP: "10.0.0.50",
		LocalIP:  "10.0.0.1",
	})
	require.NoError(t, err)
	out := read(t, rc)
	assert.Equal(t, int64(len(out)), size)
	assert.Contains(t, out, "KERNEL ubuntu/amd64/generic/jammy/stable/boot-kernel")
	assert.Contains(t, out, "log_host=10.0.0.1 log_port=5247")

	calls := f.client.callsTo("GetBootConfig")
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{
		"system_id":        "rack-1",
		"local_ip":         "10.0.0.1",
		"remote_ip":        "10.0.0.50",
		"mac":              "aa:bb:cc:dd:ee:ff",
		"bios_boot_method": "pxe",
	}, calls[0].args)

	f.backend.Wait()
	assert.Empty(t, f.client.callsTo("MarkNodeFailed"))
	require.Len(t, f.events.events, 1)
	assert.Equal(t, TFTPRequestSubject, f.events.subj[0])
	assert.Equal(t, "pxelinux.cfg/01-AA-BB-CC-DD-EE-FF", f.events.events[0].FileName)
	assert.Equal(t, "10.0.0.50", f.events.events[0].RemoteIP)
	assert.NotEmpty(t, f.events.events[0].ID)
	assert.Contains(t, f.logs.String(), "INFO pxelinux.cfg/01-AA-BB-CC-DD-EE-FF requested by 10.0.0.50")
}

func TestReaderTranslatesArchitecture(t *testing.T) {
	f := newFixture(t, map[string]string{"purpose": "local"}, staticCatalog{})

	rc, _, err := f.backend.Reader(context.Background(), Request{FileName: "grub/grub.cfg-default-x86_64", RemoteIP: "10.0.0.9"})
	require.NoError(t, err)
	_ = read(t, rc)

	calls := f.client.callsTo("GetBootConfig")
	require.Len(t, calls, 1)
	assert.Equal(t, "amd64", calls[0].args["arch"])
	assert.Equal(t, "uefi", calls[0].args["bios_boot_method"])
}

func TestReaderSkipLogging(t *testing.T) {
	f := newFixture(t, map[string]string{"purpose": "local"}, staticCatalog{})

	rc, _, err := f.backend.Reader(context.Background(), Request{FileName: "ipxe.cfg", RemoteIP: "10.0.0.9", Protocol: "http", SkipLogging: true})
	require.NoError(t, err)
	assert.Equal(t, "#!ipxe\nexit\n", read(t, rc))

	f.backend.Wait()
	assert.Empty(t, f.events.events)
	assert.NotContains(t, f.logs.String(), "requested by")
}

func TestReaderLocalDevice(t *testing.T) {
	resp := commissioning()
	resp["purpose"] = "local-device"
	resp["hostname"] = "switch1"
	f := newFixture(t, resp, staticCatalog{})

	rc, _, err := f.backend.Reader(context.Background(), Request{FileName: "pxelinux.cfg/default", RemoteIP: "10.0.0.50"})
	require.NoError(t, err)
	assert.Contains(t, read(t, rc), "LOCALBOOT 0")
	assert.Contains(t, f.logs.String(), "Device switch1 with MAC address aa:bb:cc:dd:ee:50 is PXE booting")

	f.backend.Wait()
	assert.Empty(t, f.client.callsTo("MarkNodeFailed"))
}

func TestReaderMissingImageMarksMachineFailed(t *testing.T) {
	f := newFixture(t, commissioning(), staticCatalog{})

	rc, _, err := f.backend.Reader(context.Background(), Request{FileName: "pxelinux.cfg/default", RemoteIP: "10.0.0.50"})
	require.NoError(t, err)
	assert.Contains(t, read(t, rc), "KERNEL ubuntu/amd64/generic/jammy/no-such-image/boot-kernel")

	f.backend.Wait()
	failed := f.client.callsTo("MarkNodeFailed")
	require.Len(t, failed, 2)
	assert.Equal(t, "abc123", failed[0].args["system_id"])
	descriptions := []string{failed[0].args["error_description"], failed[1].args["error_description"]}
	assert.ElementsMatch(t, []string{
		"Missing kernel image ubuntu/amd64/generic/jammy.",
		"Missing boot image ubuntu/amd64/generic/jammy.",
	}, descriptions)
}

func TestReaderAfterWaitDropsBackgroundWork(t *testing.T) {
	f := newFixture(t, commissioning(), staticCatalog{})
	f.backend.Wait()

	rc, _, err := f.backend.Reader(context.Background(), Request{FileName: "pxelinux.cfg/default", RemoteIP: "10.0.0.50"})
	require.NoError(t, err)
	assert.Contains(t, read(t, rc), "KERNEL ubuntu/amd64/generic/jammy/no-such-image/boot-kernel")

	f.backend.Wait()
	assert.Empty(t, f.events.events)
	assert.Empty(t, f.client.callsTo("MarkNodeFailed"))
	assert.Contains(t, f.logs.String(), "WARN Shutting down, dropping request event for pxelinux.cfg/default")
	assert.Contains(t, f.logs.String(), "WARN Shutting down, dropping failure report for abc123")
}

func TestReaderMissingImageDuringEnlistment(t *testing.T) {
	resp := commissioning()
	delete(resp, "system_id")
	resp["purpose"] = "enlist"
	f := newFixture(t, resp, staticCatalog{})

	rc, _, err := f.backend.Reader(context.Background(), Request{FileName: "pxelinux.cfg/default", RemoteIP: "10.0.0.77"})
	require.NoError(t, err)
	_ = read(t, rc)

	f.backend.Wait()
	assert.Empty(t, f.client.callsTo("MarkNodeFailed"))
	assert.Contains(t, f.logs.String(), "ERROR Enlistment failed to boot 10.0.0.77; missing required boot image ubuntu/amd64/generic/jammy.")
}

func TestReaderBootImageSkipsSubarchForOtherOS(t *testing.T) {
	resp := commissioning()
	resp["osystem"] = "centos"
	resp["release"] = "8"
	resp["kernel_osystem"] = "ubuntu"
	resp["kernel_release"] = "jammy"
	resp["subarch"] = "hwe-99"
	centos := images.Image{OSystem: "centos", Release: "8", Architecture: "amd64", Subarchitecture: "generic", Purpose: "commissioning", Label: "cloud", XInstallPath: "squashfs"}
	hwe := jammy
	hwe.SupportedSubarches = "hwe-99"
	f := newFixture(t, resp, staticCatalog{hwe, centos})

	rc, _, err := f.backend.Reader(context.Background(), Request{FileName: "pxelinux.cfg/default", RemoteIP: "10.0.0.50", LocalIP: "10.0.0.1"})
	require.NoError(t, err)
	out := read(t, rc)
	assert.Contains(t, out, "KERNEL ubuntu/amd64/hwe-99/jammy/stable/boot-kernel")
	assert.Contains(t, out, "root=squash:http://10.0.0.1/images/centos/amd64/hwe-99/8/cloud/squashfs")

	f.backend.Wait()
	assert.Empty(t, f.client.callsTo("MarkNodeFailed"))
}

func TestReaderFailureClassification(t *testing.T) {
	t.Run("no response", func(t *testing.T) {
		f := newFixture(t, nil, staticCatalog{})
		f.client.err = rpc.ErrNoResponse
		_, _, err := f.backend.Reader(context.Background(), Request{FileName: "pxelinux.cfg/default"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NotContains(t, f.logs.String(), "ERROR")
	})

	t.Run("backend error passes through", func(t *testing.T) {
		f := newFixture(t, nil, staticCatalog{})
		f.client.err = &Error{Message: "denied"}
		_, _, err := f.backend.Reader(context.Background(), Request{FileName: "pxelinux.cfg/default"})
		var backendErr *Error
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "denied", backendErr.Message)
		assert.NotContains(t, f.logs.String(), "ERROR")
	})

	t.Run("unexpected", func(t *testing.T) {
		f := newFixture(t, nil, staticCatalog{})
		f.backend.cfg.Directory = fakeDirectory{err: rpc.ErrNoConnections}
		_, _, err := f.backend.Reader(context.Background(), Request{FileName: "pxelinux.cfg/default", RemoteIP: "10.0.0.3"})
		var backendErr *Error
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, rpc.ErrNoConnections.Error(), backendErr.Message)
		assert.Contains(t, f.logs.String(), "ERROR TFTP back-end failed for pxelinux.cfg/default from 10.0.0.3")
	})
}

func TestReaderStaticFiles(t *testing.T) {
	f := newFixture(t, nil, staticCatalog{})
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "lpxelinux.0"), []byte("loader"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "ubuntu"), 0o755))

	rc, size, err := f.backend.Reader(context.Background(), Request{FileName: "/lpxelinux.0"})
	require.NoError(t, err)
	assert.Equal(t, "loader", read(t, rc))
	assert.Equal(t, int64(6), size)

	rc, _, err = f.backend.Reader(context.Background(), Request{FileName: "../../lpxelinux.0"})
	require.NoError(t, err, "paths are confined to the root")
	assert.Equal(t, "loader", read(t, rc))

	_, _, err = f.backend.Reader(context.Background(), Request{FileName: "missing.efi"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = f.backend.Reader(context.Background(), Request{FileName: "ubuntu"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, f.client.callsTo("GetBootConfig"), "static files never reach the region")
}

func TestReaderCompressedFallback(t *testing.T) {
	f := newFixture(t, nil, staticCatalog{})
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	packed := enc.EncodeAll([]byte("kernel image"), nil)
	require.NoError(t, enc.Close())
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "boot-kernel.zst"), packed, 0o644))

	rc, size, err := f.backend.Reader(context.Background(), Request{FileName: "boot-kernel"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), size)
	assert.Equal(t, "kernel image", read(t, rc))
}

func TestNewBackendRequiresDependencies(t *testing.T) {
	_, err := NewBackend(BackendConfig{})
	assert.Error(t, err)
	_, err = NewBackend(BackendConfig{Root: "/srv", Methods: boot.NewRegistry()})
	assert.Error(t, err)
}

// Package tftp serves boot files to machines on the rack's networks. Boot
// loader config files are generated per request from the region's answer;
// everything else is read from the boot resources root.
package tftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rackd/pkg/telemetry"
	"rackd/services/rackd/internal/boot"
	"rackd/services/rackd/internal/images"
	"rackd/services/rackd/internal/rpc"
)

// TFTPRequestSubject carries one event per logged boot file request.
const TFTPRequestSubject = "rackd.events.node.tftp_request"

// Request is one file request as seen by a front end.
type Request struct {
	FileName   string
	RemoteIP   string
	RemotePort int
	LocalIP    string
	LocalPort  int
	// Protocol labels the front end; "tftp" when empty.
	Protocol string
	// SkipLogging suppresses the request log line and event. Front ends that
	// log on their own set it.
	SkipLogging bool
}

// ClientDirectory picks the region client serving a remote address.
type ClientDirectory interface {
	ClientFor(ctx context.Context, remoteIP string) (rpc.Client, error)
}

// EventPublisher sends node events to the region.
type EventPublisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// RequestEvent is published for every logged request.
type RequestEvent struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	RemoteIP string    `json:"remote_ip"`
	FileName string    `json:"file_name"`
	Time     time.Time `json:"time"`
}

type BackendConfig struct {
	Root      string
	Methods   *boot.Registry
	Archs     *boot.Architectures
	Directory ClientDirectory
	Fetcher   *rpc.Fetcher
	Catalog   images.Catalog
	Neighbors boot.NeighborTable
	Events    EventPublisher
	Endpoints boot.Endpoints
	Logger    *log.Logger
	Tracer    trace.Tracer
}

// Backend answers file requests for every front end.
type Backend struct {
	cfg    BackendConfig
	logger *log.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.Root == "" {
		return nil, errors.New("tftp root is required")
	}
	if cfg.Methods == nil {
		return nil, errors.New("boot method registry is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("client directory is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("image catalog is required")
	}
	if cfg.Archs == nil {
		cfg.Archs = boot.DefaultArchitectures()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = &rpc.Fetcher{}
	}
	if cfg.Neighbors == nil {
		cfg.Neighbors = boot.NewProcARP()
	}
	b := &Backend{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer}
	if b.logger == nil {
		b.logger = log.Default()
	}
	if b.tracer == nil {
		b.tracer = telemetry.Tracer("rackd/tftp")
	}
	return b, nil
}

// Wait blocks until background events and failure reports have been sent.
// Background work started after Wait is dropped.
func (b *Backend) Wait() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.wg.Wait()
}

// background runs fn on its own goroutine unless Wait has been called.
func (b *Backend) background(what string, fn func()) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.logger.Printf("WARN Shutting down, dropping %s", what)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Reader returns the content for req and its size, or -1 when the size is
// not known up front. Errors are ErrNotFound or *Error.
func (b *Backend) Reader(ctx context.Context, req Request) (io.ReadCloser, int64, error) {
	req.FileName = strings.ReplaceAll(req.FileName, `\`, "/")

	ctx, span := b.tracer.Start(ctx, "tftp.resolve", trace.WithAttributes(
		attribute.String("tftp.file_name", req.FileName),
		attribute.String("tftp.remote_ip", req.RemoteIP),
		attribute.String("tftp.protocol", protocolOf(req)),
	))
	defer span.End()

	if !req.SkipLogging {
		b.logRequest(ctx, req)
	}

	rc, size, err := b.reader(ctx, req)
	if err != nil {
		err = b.classify(req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, err
	}
	return rc, size, nil
}

func (b *Backend) reader(ctx context.Context, req Request) (io.ReadCloser, int64, error) {
	method, params, ok := b.cfg.Methods.Match(req.FileName)
	if !ok {
		return b.openStatic(req.FileName)
	}

	if params.Arch != "" {
		params.Arch = b.cfg.Archs.Canonical(params.Arch)
	}
	params.LocalIP = req.LocalIP
	params.RemoteIP = req.RemoteIP
	params.Protocol = protocolOf(req)

	kp, err := b.kernelParameters(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	r, err := method.Render(params, kp)
	if err != nil {
		return nil, 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *Backend) kernelParameters(ctx context.Context, params *boot.Params) (boot.KernelParameters, error) {
	client, err := b.cfg.Directory.ClientFor(ctx, params.RemoteIP)
	if err != nil {
		return boot.KernelParameters{}, err
	}

	args := params.Arguments()
	args["system_id"] = client.LocalIdent()
	resp, err := b.cfg.Fetcher.Fetch(ctx, client, rpc.GetBootConfig, rpc.GetBootConfig.Filter(args))
	if err != nil {
		return boot.KernelParameters{}, err
	}
	params.ApplyBootConfig(resp)

	if err := b.resolveImages(ctx, client, params); err != nil {
		return boot.KernelParameters{}, err
	}
	return boot.NewKernelParameters(params, b.cfg.Endpoints), nil
}

// resolveImages fills in the image labels. The machine's system id is
// consumed here; it only identifies whom to mark failed.
func (b *Backend) resolveImages(ctx context.Context, client rpc.Client, params *boot.Params) error {
	if params.Purpose == boot.PurposeLocalDevice {
		mac, _ := b.cfg.Neighbors.LookupMAC(params.RemoteIP)
		b.logger.Printf("INFO Device %s with MAC address %s is PXE booting; instructing the device to boot locally.", params.Hostname, mac)
		params.Purpose = boot.PurposeLocal
	}

	systemID := params.SystemID
	params.SystemID = ""

	if params.Purpose == boot.PurposeLocal {
		params.Label = "local"
		params.KernelLabel = "local"
		params.XInstallPath = ""
		return nil
	}

	kernel, ok, err := images.Resolve(b.cfg.Catalog, images.Query{
		OSystem: params.KernelOSystem,
		Release: params.KernelRelease,
		Arch:    params.Arch,
		Subarch: params.Subarch,
		Purpose: params.Purpose,
	})
	if err != nil {
		return err
	}
	if ok {
		params.KernelLabel = kernel.Label
	} else {
		b.imageNotFound(ctx, client, systemID, params.RemoteIP, "kernel",
			params.KernelOSystem, params.Arch, params.Subarch, params.KernelRelease)
		params.KernelLabel = images.NoSuchImage
	}

	image, ok, err := images.Resolve(b.cfg.Catalog, images.Query{
		OSystem:     params.OSystem,
		Release:     params.Release,
		Arch:        params.Arch,
		Subarch:     params.Subarch,
		Purpose:     params.Purpose,
		SkipSubarch: params.OSystem != params.KernelOSystem,
	})
	if err != nil {
		return err
	}
	if ok {
		params.Label = image.Label
		params.XInstallPath = image.XInstallPath
	} else {
		b.imageNotFound(ctx, client, systemID, params.RemoteIP, "boot",
			params.OSystem, params.Arch, params.Subarch, params.Release)
		params.Label = images.NoSuchImage
	}
	return nil
}

func (b *Backend) imageNotFound(ctx context.Context, client rpc.Client, systemID, remoteIP, kind, osystem, arch, subarch, release string) {
	if systemID == "" {
		b.logger.Printf("ERROR Enlistment failed to boot %s; missing required boot image %s/%s/%s/%s.",
			remoteIP, osystem, arch, subarch, release)
		return
	}

	description := fmt.Sprintf("Missing %s image %s/%s/%s/%s.", kind, osystem, arch, subarch, release)
	args := map[string]string{"system_id": systemID, "error_description": description}
	bg := context.WithoutCancel(ctx)
	b.background("failure report for "+systemID, func() {
		if _, err := client.Call(bg, rpc.MarkNodeFailed, args); err != nil {
			b.logger.Printf("ERROR Failed to mark machine failed: %s: %v", description, err)
		}
	})
}

func (b *Backend) logRequest(ctx context.Context, req Request) {
	b.logger.Printf("INFO %s requested by %s", req.FileName, req.RemoteIP)
	if b.cfg.Events == nil {
		return
	}

	ev := RequestEvent{
		ID:       uuid.NewString(),
		Type:     "tftp_request",
		RemoteIP: req.RemoteIP,
		FileName: req.FileName,
		Time:     time.Now().UTC(),
	}
	bg := context.WithoutCancel(ctx)
	b.background("request event for "+req.FileName, func() {
		if err := b.cfg.Events.Publish(bg, TFTPRequestSubject, ev); err != nil {
			b.logger.Printf("WARN Logging TFTP request failed: %v", err)
		}
	})
}

func (b *Backend) classify(req Request, err error) error {
	var backendErr *Error
	switch {
	case errors.Is(err, ErrNotFound), errors.As(err, &backendErr):
		return err
	case errors.Is(err, rpc.ErrNoResponse):
		return fmt.Errorf("%w: %s", ErrNotFound, req.FileName)
	default:
		b.logger.Printf("ERROR TFTP back-end failed for %s from %s: %+v", req.FileName, req.RemoteIP, err)
		return &Error{Message: err.Error()}
	}
}

// openStatic reads name under the root. A missing file is served from a
// zstd compressed sibling when one exists.
func (b *Backend) openStatic(name string) (io.ReadCloser, int64, error) {
	full := filepath.Join(b.cfg.Root, filepath.FromSlash(path.Clean("/"+name)))

	f, size, err := openRegular(full)
	if err == nil {
		return f, size, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, 0, err
	}

	zf, _, zerr := openRegular(full + ".zst")
	if zerr != nil {
		if errors.Is(zerr, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, 0, zerr
	}
	dec, err := zstd.NewReader(zf)
	if err != nil {
		_ = zf.Close()
		return nil, 0, fmt.Errorf("open %s.zst: %w", name, err)
	}
	return &zstdFile{Decoder: dec, file: zf}, -1, nil
}

func openRegular(name string) (*os.File, int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return f, info.Size(), nil
}

type zstdFile struct {
	*zstd.Decoder
	file *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.file.Close()
}

func protocolOf(req Request) string {
	if req.Protocol == "" {
		return "tftp"
	}
	return req.Protocol
}

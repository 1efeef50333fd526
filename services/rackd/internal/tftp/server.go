package tftp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pin/tftp"
	"golang.org/x/sys/unix"
)

// FileSource is what a server reads request content from.
type FileSource interface {
	Reader(ctx context.Context, req Request) (io.ReadCloser, int64, error)
}

// ServerConfig is shared by every per-address server.
type ServerConfig struct {
	Port    int
	Timeout time.Duration
	Source  FileSource
	Metrics *Metrics
	Logger  *log.Logger
}

// Server is a read-only TFTP server bound to one local address.
type Server struct {
	ip     string
	port   int
	cfg    ServerConfig
	logger *log.Logger
	srv    *tftp.Server
	addr   net.Addr
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Listen binds ip and starts serving in the background.
func Listen(ctx context.Context, ip string, cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(cfg.Port))
	pc, err := listenConfig().ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen on %s: not a UDP socket", addr)
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	s := &Server{ip: ip, port: local.Port, cfg: cfg, logger: logger, addr: local, done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.srv = tftp.NewServer(s.readHandler, nil)
	if cfg.Timeout > 0 {
		s.srv.SetTimeout(cfg.Timeout)
	}
	go func() {
		s.srv.Serve(conn)
		close(s.done)
	}()
	return s, nil
}

// Addr is the bound socket address.
func (s *Server) Addr() net.Addr { return s.addr }

// Shutdown stops the server and waits for in-flight transfers.
func (s *Server) Shutdown() {
	s.cancel()
	s.srv.Shutdown()
	<-s.done
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	req := Request{FileName: filename, LocalIP: s.ip, LocalPort: s.port, Protocol: "tftp"}
	ot, isOutgoing := rf.(tftp.OutgoingTransfer)
	if isOutgoing {
		remote := ot.RemoteAddr()
		req.RemoteIP = remote.IP.String()
		req.RemotePort = remote.Port
	}

	rc, size, err := s.cfg.Source.Reader(s.ctx, req)
	if err != nil {
		return err
	}
	defer rc.Close()
	if isOutgoing && size >= 0 {
		ot.SetSize(size)
	}

	start := time.Now()
	if _, err := rf.ReadFrom(rc); err != nil {
		s.logger.Printf("WARN transfer of %s to %s aborted: %v", filename, req.RemoteIP, err)
		return err
	}
	s.cfg.Metrics.ObserveTransfer(filename, time.Since(start))
	return nil
}

// listenConfig lets a restarted server rebind while old sockets linger.
func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

package cmld

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cmld/cmld/types"
)

const (
	defaultSocketFile = "cmld.sock"
	defaultLockFile   = "cmld.lock"

	maxFrameSize = 4 << 20 // 4MiB; generous for a uevent/config payload, small enough to reject garbage
)

// frame is the wire envelope for every control-socket message (spec.md
// §6: the core "never parses wire bytes directly" — callers only ever
// see a decoded request/response pair, never raw bytes). Each frame is a
// 4-byte big-endian length prefix followed by a JSON body, unlike the
// teacher's literal HTTP/JSON-over-unix-socket transport: a daemon
// accepting uevent-triggered reconnects benefits from a protocol with no
// header parsing ambiguity and no per-request TCP/HTTP overhead.
type request struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("mux: frame too large (%d bytes)", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("mux: frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// MuxServer listens on a unix domain socket and dispatches framed control
// requests to a Control facade, one connection handled at a time per
// goroutine, mirroring the teacher's mux_server.go singleton-daemon shape
// (flock-guarded lockfile, SIGINT/SIGTERM-driven shutdown channel).
type MuxServer struct {
	SocketPath string
	lockPath   string

	ctl *Control

	listener net.Listener
	lockFile *os.File
	shutdown chan struct{}
}

// NewMuxServer constructs a server rooted at baseDir, dispatching to ctl.
func NewMuxServer(baseDir string, ctl *Control) *MuxServer {
	return &MuxServer{
		SocketPath: filepath.Join(baseDir, defaultSocketFile),
		lockPath:   filepath.Join(baseDir, defaultLockFile),
		ctl:        ctl,
	}
}

// ServeUnix acquires the singleton lock, listens, and blocks until
// Shutdown is called or a termination signal arrives.
func (m *MuxServer) ServeUnix(ctx context.Context) error {
	slog.InfoContext(ctx, "MuxServer.ServeUnix", "socket", m.SocketPath, "pid", os.Getpid())
	lockFile, err := acquireLock(m.lockPath)
	if err != nil {
		return err
	}
	m.lockFile = lockFile

	os.Remove(m.SocketPath)
	listener, err := net.Listen("unix", m.SocketPath)
	if err != nil {
		m.releaseLock()
		return err
	}
	if err := os.Chmod(m.SocketPath, 0o600); err != nil {
		listener.Close()
		m.releaseLock()
		return err
	}

	m.listener = listener
	m.shutdown = make(chan struct{})

	go m.waitForSignal(ctx)
	go m.accept(ctx)

	<-m.shutdown
	return nil
}

func (m *MuxServer) waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		m.Shutdown(ctx)
	case <-sigCh:
		m.Shutdown(ctx)
	case <-m.shutdown:
	}
}

func (m *MuxServer) accept(ctx context.Context) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		go m.handleConn(ctx, conn)
	}
}

func (m *MuxServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req request
		if err := readFrame(conn, &req); err != nil {
			return
		}
		resp := m.dispatch(ctx, req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (m *MuxServer) dispatch(ctx context.Context, req request) response {
	payload, err := m.handle(ctx, req)
	if err != nil {
		return response{Error: err.Error()}
	}
	body, merr := json.Marshal(payload)
	if merr != nil {
		return response{Error: merr.Error()}
	}
	return response{OK: true, Payload: body}
}

// uuidArg/usbMappingArg/netMappingArg/macArg are the tiny request-payload shapes each op
// decodes; kept inline rather than as exported types since no caller
// outside this file constructs them directly (mux_client.go encodes the
// matching literal on the way out).
type uuidArg struct {
	UUID string `json:"uuid"`
}

type usbMappingArg struct {
	Mapping types.USBMapping `json:"mapping"`
}

type netMappingArg struct {
	Mapping types.NetMapping `json:"mapping"`
}

type macArg struct {
	MAC [6]byte `json:"mac"`
}

func (m *MuxServer) handle(ctx context.Context, req request) (any, error) {
	switch req.Op {
	case "ping":
		return map[string]string{"status": "pong"}, nil
	case "shutdown":
		go func() { m.Shutdown(ctx) }()
		return map[string]string{"status": "ok"}, nil
	case "list":
		return m.ctl.List(ctx), nil
	case "create":
		var cfg types.ContainerConfig
		if err := json.Unmarshal(req.Payload, &cfg); err != nil {
			return nil, err
		}
		return m.ctl.Create(ctx, cfg)
	case "status":
		var a uuidArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return m.ctl.Status(ctx, a.UUID)
	case "start":
		var a uuidArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, m.ctl.Start(ctx, a.UUID)
	case "stop":
		var a uuidArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, m.ctl.Stop(ctx, a.UUID)
	case "freeze":
		var a uuidArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, m.ctl.Freeze(ctx, a.UUID)
	case "unfreeze":
		var a uuidArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, m.ctl.Unfreeze(ctx, a.UUID)
	case "reboot":
		var a uuidArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, m.ctl.Reboot(ctx, a.UUID)
	case "attach_token":
		var a uuidArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, m.ctl.AttachToken(ctx, a.UUID)
	case "register_usb":
		var a usbMappingArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, m.ctl.RegisterUSB(ctx, a.Mapping)
	case "unregister_usb":
		var a usbMappingArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		m.ctl.UnregisterUSB(ctx, a.Mapping)
		return nil, nil
	case "register_net":
		var a netMappingArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, m.ctl.RegisterNet(ctx, a.Mapping)
	case "unregister_net":
		var a macArg
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return nil, err
		}
		m.ctl.UnregisterNet(ctx, a.MAC)
		return nil, nil
	default:
		return nil, fmt.Errorf("mux: unknown op %q", req.Op)
	}
}

func (m *MuxServer) releaseLock() {
	if m.lockFile == nil {
		return
	}
	syscall.Flock(int(m.lockFile.Fd()), syscall.LOCK_UN)
	m.lockFile.Close()
	os.Remove(m.lockPath)
	m.lockFile = nil
}

// Shutdown stops accepting connections, removes the socket and lock
// files, and unblocks ServeUnix.
func (m *MuxServer) Shutdown(ctx context.Context) {
	slog.InfoContext(ctx, "MuxServer.Shutdown", "pid", os.Getpid())
	if m.listener != nil {
		m.listener.Close()
	}
	os.Remove(m.SocketPath)
	m.releaseLock()
	if m.shutdown != nil {
		select {
		case <-m.shutdown:
		default:
			close(m.shutdown)
		}
	}
}

func acquireLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("mux: daemon already running: %w", err)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}

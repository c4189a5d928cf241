package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	cmld "github.com/cmld/cmld"
)

// DaemonCmd starts, stops, restarts, or reports the status of the cmld
// daemon process, mirroring the teacher's single subcommand with an
// enum-valued positional action rather than four separate verbs.
type DaemonCmd struct {
	Action string `arg:"" optional:"" default:"status" enum:"start,stop,restart,status" help:"start, stop, restart, or status (default)"`

	Foreground       bool   `help:"run the daemon in the foreground instead of detaching (only meaningful with 'start')"`
	CredentialSocket string `placeholder:"<grpc-target>" help:"credential collaborator target, e.g. unix:///run/cmld/credential.sock"`
	OTLPEndpoint     string `name:"otlp-endpoint" placeholder:"<host:port>" help:"OTLP gRPC endpoint for tracing export (disabled if unset)"`
}

func (c *DaemonCmd) Run(cctx *Context) error {
	ctx := context.Background()
	switch c.Action {
	case "start":
		return c.start(ctx, cctx)
	case "stop":
		return c.stop(ctx, cctx)
	case "restart":
		return c.restart(ctx, cctx)
	default:
		return c.status(ctx, cctx)
	}
}

func (c *DaemonCmd) status(ctx context.Context, cctx *Context) error {
	mc, err := cmld.NewMuxClient(ctx, cctx.SocketPath)
	if err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	if err := mc.Ping(ctx); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	fmt.Println("daemon is running")
	return nil
}

func (c *DaemonCmd) start(ctx context.Context, cctx *Context) error {
	if mc, err := cmld.NewMuxClient(ctx, cctx.SocketPath); err == nil {
		if err := mc.Ping(ctx); err == nil {
			fmt.Println("daemon is already running")
			return nil
		}
	}

	if !c.Foreground {
		return c.startDetached(ctx, cctx)
	}

	d, err := bootDaemon(ctx, cctx.AppBaseDir, c.CredentialSocket, c.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("daemon: bootstrap: %w", err)
	}
	defer d.Close(ctx)
	go func() {
		if err := d.loop.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: event loop: %v\n", err)
		}
	}()
	return d.mux.ServeUnix(ctx)
}

func (c *DaemonCmd) startDetached(ctx context.Context, cctx *Context) error {
	args := []string{"daemon", "start", "--foreground"}
	if c.CredentialSocket != "" {
		args = append(args, "--credential-socket", c.CredentialSocket)
	}
	if c.OTLPEndpoint != "" {
		args = append(args, "--otlp-endpoint", c.OTLPEndpoint)
	}
	cmd := exec.CommandContext(context.Background(), os.Args[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: start detached: %w", err)
	}

	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		conn, err := net.DialTimeout("unix", cctx.SocketPath, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			fmt.Println("daemon started")
			return nil
		}
	}
	return fmt.Errorf("daemon: failed to start")
}

func (c *DaemonCmd) stop(ctx context.Context, cctx *Context) error {
	mc, err := cmld.NewMuxClient(ctx, cctx.SocketPath)
	if err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	if err := mc.Shutdown(ctx); err != nil {
		return fmt.Errorf("daemon: stop: %w", err)
	}
	fmt.Println("daemon stopped")
	return nil
}

func (c *DaemonCmd) restart(ctx context.Context, cctx *Context) error {
	if mc, err := cmld.NewMuxClient(ctx, cctx.SocketPath); err == nil {
		if err := mc.Shutdown(ctx); err != nil {
			return fmt.Errorf("daemon: stop during restart: %w", err)
		}
		fmt.Println("daemon stopped")
	}
	return c.startDetached(ctx, cctx)
}

package cmld

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cmld/cmld/types"
)

// MuxClient is a thin framed-protocol client for a running MuxServer,
// used by cmd/cmld's CLI subcommands and by tests.
type MuxClient struct {
	SocketPath string
	dialer     net.Dialer
}

// NewMuxClient dials socketPath and verifies a daemon is actually
// listening by round-tripping a single connection; it does not keep the
// connection open across calls (each RPC dials fresh, matching the
// short-lived CLI-invocation usage pattern this client serves).
func NewMuxClient(ctx context.Context, socketPath string) (*MuxClient, error) {
	c := &MuxClient{SocketPath: socketPath, dialer: net.Dialer{Timeout: 2 * time.Second}}
	conn, err := c.dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("mux: dial %s: %w", socketPath, err)
	}
	conn.Close()
	return c, nil
}

func (c *MuxClient) call(ctx context.Context, op string, arg any, out any) error {
	conn, err := c.dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return fmt.Errorf("mux: dial %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	var payload json.RawMessage
	if arg != nil {
		payload, err = json.Marshal(arg)
		if err != nil {
			return err
		}
	}
	if err := writeFrame(conn, request{Op: op, Payload: payload}); err != nil {
		return err
	}

	var resp response
	if err := readFrame(conn, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("mux: %s: %s", op, resp.Error)
	}
	if out != nil && len(resp.Payload) > 0 {
		return json.Unmarshal(resp.Payload, out)
	}
	return nil
}

// Ping checks whether the daemon is alive and responsive.
func (c *MuxClient) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Shutdown asks the daemon to stop.
func (c *MuxClient) Shutdown(ctx context.Context) error {
	return c.call(ctx, "shutdown", nil, nil)
}

// Create registers a new compartment from decoded config.
func (c *MuxClient) Create(ctx context.Context, cfg types.ContainerConfig) (CompartmentStatus, error) {
	var out CompartmentStatus
	err := c.call(ctx, "create", cfg, &out)
	return out, err
}

// List returns a status snapshot for every known compartment.
func (c *MuxClient) List(ctx context.Context) ([]CompartmentStatus, error) {
	var out []CompartmentStatus
	err := c.call(ctx, "list", nil, &out)
	return out, err
}

// Status returns a single compartment's status snapshot.
func (c *MuxClient) Status(ctx context.Context, uuid string) (CompartmentStatus, error) {
	var out CompartmentStatus
	err := c.call(ctx, "status", uuidArg{UUID: uuid}, &out)
	return out, err
}

func (c *MuxClient) Start(ctx context.Context, uuid string) error {
	return c.call(ctx, "start", uuidArg{UUID: uuid}, nil)
}

func (c *MuxClient) Stop(ctx context.Context, uuid string) error {
	return c.call(ctx, "stop", uuidArg{UUID: uuid}, nil)
}

func (c *MuxClient) Freeze(ctx context.Context, uuid string) error {
	return c.call(ctx, "freeze", uuidArg{UUID: uuid}, nil)
}

func (c *MuxClient) Unfreeze(ctx context.Context, uuid string) error {
	return c.call(ctx, "unfreeze", uuidArg{UUID: uuid}, nil)
}

func (c *MuxClient) Reboot(ctx context.Context, uuid string) error {
	return c.call(ctx, "reboot", uuidArg{UUID: uuid}, nil)
}

func (c *MuxClient) AttachToken(ctx context.Context, uuid string) error {
	return c.call(ctx, "attach_token", uuidArg{UUID: uuid}, nil)
}

func (c *MuxClient) RegisterUSB(ctx context.Context, m types.USBMapping) error {
	return c.call(ctx, "register_usb", usbMappingArg{Mapping: m}, nil)
}

func (c *MuxClient) UnregisterUSB(ctx context.Context, m types.USBMapping) error {
	return c.call(ctx, "unregister_usb", usbMappingArg{Mapping: m}, nil)
}

func (c *MuxClient) RegisterNet(ctx context.Context, m types.NetMapping) error {
	return c.call(ctx, "register_net", netMappingArg{Mapping: m}, nil)
}

func (c *MuxClient) UnregisterNet(ctx context.Context, mac [6]byte) error {
	return c.call(ctx, "unregister_net", macArg{MAC: mac}, nil)
}

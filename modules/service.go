package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/cmld/cmld/types"
)

const serviceReadyFIFO = "cmld-ready"

// ServiceModule creates the boot-readiness FIFO the guest's init is
// expected to write a single byte to once it considers itself up. Start
// returns Pending with the FIFO's read end so the engine parks the
// compartment in StateBooting until that write arrives (or the startup
// timeout fires), rather than declaring StateRunning the instant the guest
// process has been exec'd.
type ServiceModule struct{}

func (ServiceModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "service"}
}

func (ServiceModule) Start(ctx context.Context, c *Context) (Result, error) {
	fifoPath := filepath.Join(c.RootfsPath, serviceReadyFIFO)
	os.Remove(fifoPath)
	if err := unix.Mkfifo(fifoPath, 0o600); err != nil {
		return Result{}, fmt.Errorf("modules: service: mkfifo %s: %w", fifoPath, err)
	}

	fd, err := unix.Open(fifoPath, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return Result{}, fmt.Errorf("modules: service: open %s: %w", fifoPath, err)
	}
	c.Set("service_fifo_path", fifoPath)

	return Result{
		Pending:   true,
		PendingFD: fd,
		Continue: func(ctx context.Context) error {
			buf := make([]byte, 1)
			_, err := unix.Read(fd, buf)
			unix.Close(fd)
			if err != nil {
				return fmt.Errorf("modules: service: read readiness byte: %w", err)
			}
			return nil
		},
	}, nil
}

func (ServiceModule) Cleanup(ctx context.Context, c *Context) error {
	if v, ok := c.Get("service_fifo_path"); ok {
		os.Remove(v.(string))
	}
	return nil
}

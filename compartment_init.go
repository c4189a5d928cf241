package cmld

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cmld/cmld/modules"
	"github.com/cmld/cmld/types"
)

// childInitPayload is everything the re-exec'd "__compartment_init"
// process needs to run its own namespace-local hooks once it unparks from
// the sync barrier: the daemon computes all of it host-side (config
// decode, rootfs assembly) and hands it across the pipe as JSON, since the
// child is a fresh process image with none of the daemon's in-memory
// state.
type childInitPayload struct {
	Config        types.ContainerConfig
	RootfsPath    string
	GuestInitPath string
}

// RunCompartmentInit is the entry point for the "__compartment_init"
// re-exec (engine.go's forkCompartmentInit invokes
// "/proc/self/exe __compartment_init <uuid>"). cmd/cmld/main.go dispatches
// here before kong ever parses argv, since this is an internal handshake
// verb, never a CLI command an operator types.
//
// It blocks reading fd 3 (the sync barrier) until the engine has finished
// every host-side hook (uid/gid mapping, cgroup placement, network move),
// runs capabilities and seccomp in its own process, signals readiness on
// fd 4, and finally execs the guest's init via run.go's RunModule — which
// never returns on success, replacing this process's image.
func RunCompartmentInit(uuid string) {
	syncPipe := os.NewFile(3, "cmld-sync")
	readyPipe := os.NewFile(4, "cmld-ready")

	payload, err := decodeChildInit(syncPipe)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmld: compartment init %s: sync barrier: %v\n", uuid, err)
		os.Exit(1)
	}

	ctx := context.Background()
	hc := &modules.Context{UUID: uuid, Config: payload.Config, RootfsPath: payload.RootfsPath}
	if payload.GuestInitPath != "" {
		hc.Set("guest_init_path", payload.GuestInitPath)
	}

	if _, err := (modules.CapabilitiesModule{}).Start(ctx, hc); err != nil {
		fmt.Fprintf(os.Stderr, "cmld: compartment init %s: capabilities: %v\n", uuid, err)
		os.Exit(1)
	}
	if _, err := (modules.SeccompModule{}).Start(ctx, hc); err != nil {
		fmt.Fprintf(os.Stderr, "cmld: compartment init %s: seccomp: %v\n", uuid, err)
		os.Exit(1)
	}

	if _, err := readyPipe.Write([]byte{'R'}); err != nil {
		fmt.Fprintf(os.Stderr, "cmld: compartment init %s: signal readiness: %v\n", uuid, err)
	}
	readyPipe.Close()

	if _, err := (&modules.RunModule{}).Start(ctx, hc); err != nil {
		fmt.Fprintf(os.Stderr, "cmld: compartment init %s: run: %v\n", uuid, err)
		os.Exit(1)
	}
}

// decodeChildInit reads syncPipe to EOF (the write end closes once the
// engine finishes writing, which is also what releases the barrier) and
// decodes the JSON payload written there. An empty or malformed payload
// means the engine closed the barrier without ever reaching the
// child-hook boundary — a host-side hook failed first — so this returns
// an error rather than proceeding with a zero-value payload.
func decodeChildInit(r io.Reader) (childInitPayload, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return childInitPayload{}, err
	}
	if len(raw) == 0 {
		return childInitPayload{}, fmt.Errorf("compartment init: sync barrier closed with no payload")
	}
	var p childInitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return childInitPayload{}, err
	}
	return p, nil
}

package modules

import (
	"context"
	"testing"

	"github.com/cmld/cmld/types"
)

func TestCapabilitiesModule_UnknownCapability(t *testing.T) {
	ctx := &Context{Config: types.ContainerConfig{Capabilities: []string{"CAP_NOT_REAL"}}}
	_, err := CapabilitiesModule{}.Start(context.Background(), ctx)
	if err == nil {
		t.Fatal("Start with unknown capability = nil error, want error")
	}
}

func TestAuditTimeModule_SetsTimeNamespaceFlag(t *testing.T) {
	ctx := &Context{PID: 0}
	m := &AuditTimeModule{AllowTimeNamespace: true}
	if _, err := m.Start(context.Background(), ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	v, ok := ctx.Get("time_namespace")
	if !ok || v != true {
		t.Fatalf("time_namespace = %v, %v; want true, true", v, ok)
	}
}

func TestForward_MACFilteredAddIsDropped(t *testing.T) {
	ctx := &Context{}
	called := false
	ctx.Set("ueventforward_sink", func(types.Uevent) error {
		called = true
		return nil
	})
	if err := Forward(ctx, types.Uevent{Action: types.ActionAdd}, true); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if called {
		t.Fatal("sink called for MAC-filtered add event, want dropped")
	}
}

func TestForward_NonFilteredEventDelivered(t *testing.T) {
	ctx := &Context{}
	var got types.Uevent
	ctx.Set("ueventforward_sink", func(ev types.Uevent) error {
		got = ev
		return nil
	})
	want := types.Uevent{Action: types.ActionRemove, Interface: "eth0"}
	if err := Forward(ctx, want, true); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got.Interface != "eth0" {
		t.Fatalf("sink got %+v, want delivered", got)
	}
}

type fakeTokenClient struct {
	unlockErr chan error
}

func (f *fakeTokenClient) UnlockToken(ctx context.Context, uuid string) (<-chan error, error) {
	return f.unlockErr, nil
}

func (f *fakeTokenClient) UnwrapKey(ctx context.Context, uuid, name string) ([]byte, error) {
	return []byte("deadbeef"), nil
}

func TestSmartcardModule_NoTokenMappingSkipsPending(t *testing.T) {
	m := &SmartcardModule{Client: &fakeTokenClient{}}
	c := &Context{Config: types.ContainerConfig{}}
	res, err := m.Start(context.Background(), c)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Pending {
		t.Fatal("Pending = true for compartment with no token mapping")
	}
}

func TestSmartcardModule_TokenMappingReturnsPending(t *testing.T) {
	unlockCh := make(chan error, 1)
	unlockCh <- nil
	m := &SmartcardModule{Client: &fakeTokenClient{unlockErr: unlockCh}}
	c := &Context{Config: types.ContainerConfig{
		UUID:        "c1",
		USBMappings: []types.USBMapping{{Kind: types.USBToken}},
	}}
	res, err := m.Start(context.Background(), c)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.Pending {
		t.Fatal("Pending = false, want true for token-mapped compartment")
	}
	if err := res.Continue(context.Background()); err != nil {
		t.Fatalf("Continue: %v", err)
	}
}

package credential

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
)

type fakeBackend struct {
	unlockErr error
	keys      map[string][]byte
}

func (b *fakeBackend) Unlock(ctx context.Context, compartmentUUID string) error {
	return b.unlockErr
}

func (b *fakeBackend) Unwrap(ctx context.Context, compartmentUUID, keyName string) ([]byte, error) {
	key, ok := b.keys[keyName]
	if !ok {
		return nil, fmt.Errorf("no such key %q", keyName)
	}
	return key, nil
}

func startTestServer(t *testing.T, backend Backend) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "credential.sock")
	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	gs := grpc.NewServer()
	gs.RegisterService(&ServiceDesc, &Server{Backend: backend})

	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	return "unix://" + sockPath
}

func TestClient_UnlockToken_Success(t *testing.T) {
	target := startTestServer(t, &fakeBackend{})
	c, err := Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ch, err := c.UnlockToken(context.Background(), "c1")
	if err != nil {
		t.Fatalf("UnlockToken: %v", err)
	}
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("unlock result: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("UnlockToken: timed out waiting for result")
	}
}

func TestClient_UnlockToken_BackendRejects(t *testing.T) {
	target := startTestServer(t, &fakeBackend{unlockErr: errors.New("bad pin")})
	c, err := Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ch, err := c.UnlockToken(context.Background(), "c1")
	if err != nil {
		t.Fatalf("UnlockToken: %v", err)
	}
	select {
	case err := <-ch:
		if err == nil {
			t.Fatal("unlock result: want error, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("UnlockToken: timed out waiting for result")
	}
}

func TestClient_UnwrapKey(t *testing.T) {
	target := startTestServer(t, &fakeBackend{keys: map[string][]byte{"root": []byte("secret-key-bytes")}})
	c, err := Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	key, err := c.UnwrapKey(context.Background(), "c1", "root")
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if string(key) != "secret-key-bytes" {
		t.Fatalf("key = %q, want %q", key, "secret-key-bytes")
	}
}

func TestClient_UnwrapKey_UnknownKey(t *testing.T) {
	target := startTestServer(t, &fakeBackend{keys: map[string][]byte{}})
	c, err := Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.UnwrapKey(context.Background(), "c1", "missing"); err == nil {
		t.Fatal("UnwrapKey: want error for unknown key")
	}
}

// Package credential implements the client side of the token
// collaborator protocol (spec.md §5): a separate, least-privileged
// process that holds the smartcard/TPM handle and performs the actual
// unlock and key-unwrap operations, so the daemon itself never touches
// key material directly. The wire protocol is gRPC, carrying
// google.golang.org/protobuf's well-known structpb.Struct as both
// request and response — this collaborator's method set is small and
// its payloads are simple key/value data, so a hand-maintained .proto
// schema and codegen step buys little over a generic struct payload.
package credential

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "cmld.credential.TokenService"

var unlockMethod = fmt.Sprintf("/%s/UnlockToken", serviceName)
var unwrapMethod = fmt.Sprintf("/%s/UnwrapKey", serviceName)

// Client talks to a running token collaborator over a gRPC connection
// (typically a unix socket dialed via grpc.NewClient("unix:///run/cmld/credential.sock", ...)).
// It implements modules.TokenClient without that package importing grpc
// directly.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the collaborator listening at target (a grpc target
// string, e.g. "unix:///run/cmld/credential.sock").
func Dial(ctx context.Context, target string) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("credential: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// UnlockToken asks the collaborator to prompt for and validate a PIN/PUK
// against the smartcard backing compartmentUUID, returning a channel that
// receives exactly one error (nil on success) once the round trip
// resolves — satisfying the asynchronous continuation shape
// modules/smartcard.go's Pending result expects.
func (c *Client) UnlockToken(ctx context.Context, compartmentUUID string) (<-chan error, error) {
	req, err := structpb.NewStruct(map[string]any{"compartment_uuid": compartmentUUID})
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		resp := new(structpb.Struct)
		if err := c.conn.Invoke(ctx, unlockMethod, req, resp); err != nil {
			done <- fmt.Errorf("credential: UnlockToken(%s): %w", compartmentUUID, err)
			return
		}
		if v, ok := resp.Fields["ok"]; ok && !v.GetBoolValue() {
			done <- fmt.Errorf("credential: token unlock for %s rejected", compartmentUUID)
			return
		}
		done <- nil
	}()
	return done, nil
}

// UnwrapKey asks the collaborator to unwrap the named volume key for
// compartmentUUID using the now-unlocked token, returning the raw key
// bytes.
func (c *Client) UnwrapKey(ctx context.Context, compartmentUUID, keyName string) ([]byte, error) {
	req, err := structpb.NewStruct(map[string]any{
		"compartment_uuid": compartmentUUID,
		"key_name":         keyName,
	})
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, unwrapMethod, req, resp); err != nil {
		return nil, fmt.Errorf("credential: UnwrapKey(%s,%s): %w", compartmentUUID, keyName, err)
	}
	keyField, ok := resp.Fields["key_b64"]
	if !ok {
		return nil, fmt.Errorf("credential: UnwrapKey(%s,%s): response missing key_b64", compartmentUUID, keyName)
	}
	return base64.StdEncoding.DecodeString(keyField.GetStringValue())
}

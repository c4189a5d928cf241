package credential

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Backend is the actual smartcard/TPM access the collaborator process
// performs; kept separate from the gRPC plumbing so a test can swap in a
// fake without touching real hardware.
type Backend interface {
	Unlock(ctx context.Context, compartmentUUID string) error
	Unwrap(ctx context.Context, compartmentUUID, keyName string) ([]byte, error)
}

// Server answers UnlockToken/UnwrapKey RPCs on behalf of a Backend. It's
// registered on a grpc.Server via ServiceDesc rather than a codegen'd
// RegisterTokenServiceServer function, since the request/response
// payloads here are plain key/value structs rather than a schema worth
// maintaining a .proto file for.
type Server struct {
	Backend Backend
}

func (s *Server) unlockToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uuid := req.Fields["compartment_uuid"].GetStringValue()
	if uuid == "" {
		return nil, fmt.Errorf("credential: UnlockToken: missing compartment_uuid")
	}
	if err := s.Backend.Unlock(ctx, uuid); err != nil {
		return structpb.NewStruct(map[string]any{"ok": false, "error": err.Error()})
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

func (s *Server) unwrapKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uuid := req.Fields["compartment_uuid"].GetStringValue()
	keyName := req.Fields["key_name"].GetStringValue()
	if uuid == "" || keyName == "" {
		return nil, fmt.Errorf("credential: UnwrapKey: missing compartment_uuid or key_name")
	}
	key, err := s.Backend.Unwrap(ctx, uuid, keyName)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"key_b64": base64.StdEncoding.EncodeToString(key)})
}

// ServiceDesc is the grpc.ServiceDesc registered on the collaborator's
// grpc.Server (s.RegisterService(&credential.ServiceDesc, impl)).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "UnlockToken",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(structpb.Struct)
				if err := dec(req); err != nil {
					return nil, err
				}
				impl := srv.(*Server)
				if interceptor == nil {
					return impl.unlockToken(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: impl, FullMethod: unlockMethod}
				return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
					return impl.unlockToken(ctx, req.(*structpb.Struct))
				})
			},
		},
		{
			MethodName: "UnwrapKey",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(structpb.Struct)
				if err := dec(req); err != nil {
					return nil, err
				}
				impl := srv.(*Server)
				if interceptor == nil {
					return impl.unwrapKey(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: impl, FullMethod: unwrapMethod}
				return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
					return impl.unwrapKey(ctx, req.(*structpb.Struct))
				})
			},
		},
	},
	Metadata: "credential.proto",
}

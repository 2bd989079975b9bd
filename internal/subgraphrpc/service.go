// Package subgraphrpc carries the subgraph contract over gRPC. The service
// fedgraph.subgraph.v1.Subgraph has three unary methods whose requests and
// replies are google.protobuf.Struct payloads:
//
//	Describe(Struct{})               -> Descriptor
//	ResolveFields(FieldsRequest)     -> FieldsResponse
//	ResolveReferences(ReferencesRequest) -> ReferencesResponse
//
// Client implements the executor transport on top of pooled connections;
// NewServer exposes any subgraph.Service together with the standard gRPC
// health service.
package subgraphrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	reqid "github.com/hanpama/fedgraph/internal/reqid"
	subgraph "github.com/hanpama/fedgraph/internal/subgraph"
)

const (
	ServiceName = "fedgraph.subgraph.v1.Subgraph"

	MethodDescribe          = "Describe"
	MethodResolveFields     = "ResolveFields"
	MethodResolveReferences = "ResolveReferences"

	// subgraphMetadataKey names the called subgraph in outgoing metadata.
	subgraphMetadataKey = "fedgraph-subgraph"
)

func fullMethod(m string) string { return "/" + ServiceName + "/" + m }

// handler is what ServiceDesc dispatches to.
type handler interface {
	describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	resolveFields(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	resolveReferences(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(handler, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(handler)
			if interceptor == nil {
				return call(h, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(h, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes fedgraph.subgraph.v1.Subgraph.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*handler)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodDescribe, handler.describe),
		unaryHandler(MethodResolveFields, handler.resolveFields),
		unaryHandler(MethodResolveReferences, handler.resolveReferences),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fedgraph/subgraph/v1/subgraph.proto",
}

type service struct {
	svc subgraph.Service
}

// Register registers svc on s under ServiceName.
func Register(s grpc.ServiceRegistrar, svc subgraph.Service) {
	s.RegisterService(&ServiceDesc, &service{svc: svc})
}

// NewServer returns a gRPC server exposing svc and the standard health
// service, with both reported as SERVING.
func NewServer(svc subgraph.Service, opts ...grpc.ServerOption) (*grpc.Server, *grpchealth.Server) {
	s := grpc.NewServer(opts...)
	Register(s, svc)
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}

// incoming restores the caller's request id.
func incoming(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if ids := md.Get(reqid.MetadataKey); len(ids) > 0 && ids[0] != "" {
		return reqid.NewContext(ctx, ids[0])
	}
	return ctx
}

func (s *service) describe(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.svc.Describe(incoming(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(d)
}

func (s *service) resolveFields(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req subgraph.FieldsRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.svc.ResolveFields(incoming(ctx), &req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(resp)
}

func (s *service) resolveReferences(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req subgraph.ReferencesRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.svc.ResolveReferences(incoming(ctx), &req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(resp)
}

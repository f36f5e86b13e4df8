package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "standby.Primary"
	// ClientIDHeader is the metadata key carrying the standby's id
	ClientIDHeader = "standby-client-id"

	getHeadMethod    = "/" + ServiceName + "/GetHead"
	getSegmentMethod = "/" + ServiceName + "/GetSegment"
)

var (
	// ErrNoSuchSegment is returned by the client when the
	// primary does not have the requested segment
	ErrNoSuchSegment = errors.New("primary does not have segment")
	// ErrMissingClientID is returned when a request carries no client id
	ErrMissingClientID = errors.New("missing client id")
)

// PrimaryService is the server side of the protocol
type PrimaryService interface {
	// GetHead returns the id of the head segment or
	// the empty string if the primary has no head yet
	GetHead(ctx context.Context, request *emptypb.Empty) (*wrapperspb.StringValue, error)
	// GetSegment returns the encoded segment named by request
	GetSegment(ctx context.Context, request *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

// RegisterPrimaryService registers service with a gRPC server
func RegisterPrimaryService(registrar grpc.ServiceRegistrar, service PrimaryService) {
	registrar.RegisterService(&primaryServiceDesc, service)
}

var primaryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PrimaryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetHead", Handler: getHeadHandler},
		{MethodName: "GetSegment", Handler: getSegmentHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "standby/primary",
}

func getHeadHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)

	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(PrimaryService).GetHead(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getHeadMethod}

	return interceptor(ctx, in, info, func(ctx context.Context, request interface{}) (interface{}, error) {
		return srv.(PrimaryService).GetHead(ctx, request.(*emptypb.Empty))
	})
}

func getSegmentHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)

	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(PrimaryService).GetSegment(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSegmentMethod}

	return interceptor(ctx, in, info, func(ctx context.Context, request interface{}) (interface{}, error) {
		return srv.(PrimaryService).GetSegment(ctx, request.(*wrapperspb.StringValue))
	})
}

// ClientID extracts the standby's id from incoming request metadata
func ClientID(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)

	if !ok {
		return "", ErrMissingClientID
	}

	values := md.Get(ClientIDHeader)

	if len(values) == 0 || values[0] == "" {
		return "", ErrMissingClientID
	}

	return values[0], nil
}

func withClientID(ctx context.Context, clientID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, ClientIDHeader, clientID)
}

package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName  = "faceverify.v1.FaceVerifier"
	verifyMethod = "/" + serviceName + "/Verify"
)

// FaceVerifierServer is the server side of the face verification service.
// Requests and responses are Structs with DeepFace field names.
type FaceVerifierServer interface {
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the FaceVerifier service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FaceVerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: verifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "faceverify/v1/faceverify.proto",
}

// RegisterFaceVerifierServer registers srv on s.
func RegisterFaceVerifierServer(s grpc.ServiceRegistrar, srv FaceVerifierServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func verifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FaceVerifierServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: verifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FaceVerifierServer).Verify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

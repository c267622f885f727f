package codec

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// RegisterServer exposes impl as the codec gRPC service on registrar.
func RegisterServer(registrar grpc.ServiceRegistrar, impl Codec, logger *zap.Logger) error {
	if registrar == nil {
		return errors.New("codec: registrar is required")
	}
	if impl == nil {
		return errors.New("codec: implementation is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	registrar.RegisterService(&serviceDesc, &server{impl: impl, logger: logger})
	return nil
}

type codecServer interface {
	merge(ctx context.Context, request *MergeRequest) (*Reply, error)
	stateVector(ctx context.Context, request *StateVectorRequest) (*Reply, error)
	diff(ctx context.Context, request *DiffRequest) (*Reply, error)
}

type server struct {
	impl   Codec
	logger *zap.Logger
}

func (s *server) merge(ctx context.Context, request *MergeRequest) (*Reply, error) {
	payload, err := s.impl.Merge(withIncomingDocument(ctx), request.State, request.Update)
	return s.reply(ctx, methodMerge, payload, err)
}

func (s *server) stateVector(ctx context.Context, request *StateVectorRequest) (*Reply, error) {
	payload, err := s.impl.StateVector(withIncomingDocument(ctx), request.State)
	return s.reply(ctx, methodStateVector, payload, err)
}

func (s *server) diff(ctx context.Context, request *DiffRequest) (*Reply, error) {
	payload, err := s.impl.Diff(withIncomingDocument(ctx), request.State, request.Vector)
	return s.reply(ctx, methodDiff, payload, err)
}

func (s *server) reply(ctx context.Context, method string, payload []byte, err error) (*Reply, error) {
	if err != nil {
		s.logger.Warn("codec call rejected",
			zap.String("method", method),
			zap.String("document_id", documentFromIncoming(ctx)),
			zap.Error(err),
		)
		return nil, toStatus(err)
	}
	return &Reply{Payload: payload}, nil
}

func withIncomingDocument(ctx context.Context) context.Context {
	documentID := documentFromIncoming(ctx)
	if documentID == "" {
		return ctx
	}
	return ContextWithDocument(ctx, documentID)
}

func documentFromIncoming(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(documentMetadataKey)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*codecServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodMerge, Handler: mergeHandler},
		{MethodName: methodStateVector, Handler: stateVectorHandler},
		{MethodName: methodDiff, Handler: diffHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collab/codec/v1/codec.proto",
}

func mergeHandler(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(MergeRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	target := srv.(codecServer)
	if interceptor == nil {
		return target.merge(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodName(methodMerge)}
	return interceptor(ctx, request, info, func(ctx context.Context, req any) (any, error) {
		return target.merge(ctx, req.(*MergeRequest))
	})
}

func stateVectorHandler(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(StateVectorRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	target := srv.(codecServer)
	if interceptor == nil {
		return target.stateVector(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodName(methodStateVector)}
	return interceptor(ctx, request, info, func(ctx context.Context, req any) (any, error) {
		return target.stateVector(ctx, req.(*StateVectorRequest))
	})
}

func diffHandler(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(DiffRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	target := srv.(codecServer)
	if interceptor == nil {
		return target.diff(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodName(methodDiff)}
	return interceptor(ctx, request, info, func(ctx context.Context, req any) (any, error) {
		return target.diff(ctx, req.(*DiffRequest))
	})
}

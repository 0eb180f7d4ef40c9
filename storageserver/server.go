// Package storageserver exposes a replica over gRPC. The service uses protobuf
// well-known types, so it is described by hand instead of generated code.
package storageserver

import (
	"context"
	"errors"
	"net"

	"github.com/chn0318/replicamap/mapservice"
	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/replica"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "replicamap.Storage"

// Replica is the node served by the storage server.
type Replica interface {
	Apply(ctx context.Context, msg opmsg.Message) (int64, error)
	Get(key []byte) ([]byte, bool)
	RequestFlush(ctx context.Context, part int32) (int64, error)
	Stats() replica.Stats
}

// StorageService is the server side of replicamap.Storage.
type StorageService interface {
	Apply(context.Context, *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error)
	Get(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	RequestFlush(context.Context, *wrapperspb.Int32Value) (*emptypb.Empty, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StorageService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Apply", StorageService.Apply),
		unary("Get", StorageService.Get),
		unary("RequestFlush", StorageService.RequestFlush),
		unary("Stats", StorageService.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replicamap/storage.proto",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(StorageService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StorageService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StorageService), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type StorageServer struct {
	replica Replica
	address string
	logger  logrus.FieldLogger

	ln         net.Listener
	grpcServer *grpc.Server
}

var _ StorageService = (*StorageServer)(nil)

func NewStorageServer(r Replica, address string, logger logrus.FieldLogger) *StorageServer {
	if logger == nil {
		logger = logrus.New()
	}
	return &StorageServer{
		replica: r,
		address: address,
		logger:  logger.WithField("component", "storage_server"),
	}
}

func (s *StorageServer) Apply(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error) {
	msg, err := opmsg.Decode(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	offset, err := s.replica.Apply(ctx, msg)
	if err != nil {
		return nil, toRPCError(err)
	}
	return wrapperspb.Int64(offset), nil
}

func (s *StorageServer) Get(_ context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	v, ok := s.replica.Get(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "key %q not found", req.GetValue())
	}
	return wrapperspb.Bytes(v), nil
}

func (s *StorageServer) RequestFlush(ctx context.Context, req *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	offset, err := s.replica.RequestFlush(ctx, req.GetValue())
	if err != nil {
		return nil, toRPCError(err)
	}
	s.logger.WithFields(logrus.Fields{"partition": req.GetValue(), "flush_offset_ops": offset}).Debug("flush requested")
	return &emptypb.Empty{}, nil
}

func (s *StorageServer) Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.replica.Stats()
	parts := make([]any, 0, len(stats.Partitions))
	for _, p := range stats.Partitions {
		parts = append(parts, map[string]any{
			"partition":        p.Partition,
			"applied_offset":   p.AppliedOffset,
			"queue_size":       p.QueueSize,
			"max_add_offset":   p.MaxAddOffset,
			"max_clean_offset": p.MaxCleanOffset,
		})
	}
	out, err := structpb.NewStruct(map[string]any{
		"client_id":  stats.ClientID,
		"keys":       stats.Keys,
		"partitions": parts,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Open starts serving on the configured address.
func (s *StorageServer) Open() error {
	if s.address == "" {
		return errors.New("address of storage server cannot be empty")
	}
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.ln = ln
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&ServiceDesc, s)
	s.logger.WithField("address", ln.Addr().String()).Info("storage server listening")
	go func() {
		if err := s.grpcServer.Serve(ln); err != nil {
			s.logger.WithError(err).Error("storage server stopped serving")
		}
	}()
	return nil
}

// Addr returns the listening address once Open succeeded.
func (s *StorageServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *StorageServer) Close() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	ec := codes.Internal
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, mapservice.ErrNotMutation),
		errors.Is(err, opmsg.ErrMissingKey),
		errors.Is(err, replica.ErrUnknownPartition):
		ec = codes.InvalidArgument
	case errors.Is(err, replica.ErrNotStarted):
		ec = codes.Unavailable
	}
	return status.Error(ec, err.Error())
}

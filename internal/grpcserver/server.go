// Package grpcserver exposes the matcher over gRPC. Messages are
// google.protobuf.Struct values so no generated code is needed.
package grpcserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"fingerauth/internal/imageio"
	"fingerauth/internal/pipeline"
	"fingerauth/internal/scan"
	"fingerauth/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fingerauth.v1.Matcher"

const (
	verifyMethod   = "/" + ServiceName + "/Verify"
	identifyMethod = "/" + ServiceName + "/Identify"
)

type matcherService interface {
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Identify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*matcherService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: unaryHandler(verifyMethod, matcherService.Verify)},
		{MethodName: "Identify", Handler: unaryHandler(identifyMethod, matcherService.Identify)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fingerauth/v1/matcher.proto",
}

func unaryHandler(fullMethod string, call func(matcherService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(matcherService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(matcherService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// MatcherServer answers Verify and Identify by running pipeline jobs.
type MatcherServer struct {
	pipeline pipeline.Client
	log      *slog.Logger
	timeout  time.Duration
}

// NewMatcherServer builds a server over p.
func NewMatcherServer(p pipeline.Client, log *slog.Logger) *MatcherServer {
	return &MatcherServer{pipeline: p, log: log, timeout: 30 * time.Second}
}

// RegisterWithServer attaches the service to g.
func (s *MatcherServer) RegisterWithServer(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Start listens on addr and serves until ctx ends.
func (s *MatcherServer) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	g := grpc.NewServer()
	s.RegisterWithServer(g)

	go func() {
		<-ctx.Done()
		s.log.Info("stopping gRPC server")
		g.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String(), "service", ServiceName)
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Verify compares "probe" with "reference" (both base64 images) or with the
// stored template named by "template".
func (s *MatcherServer) Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	probe, err := gridField(req, "probe")
	if err != nil {
		return nil, err
	}
	job := pipeline.Job{ID: "grpc-verify-" + uuid.NewString(), Type: pipeline.JobVerify, Probe: probe}
	if id := req.GetFields()["template"].GetStringValue(); id != "" {
		job.Options = map[string]any{"template": id}
	} else if job.Reference, err = gridField(req, "reference"); err != nil {
		return nil, err
	}
	return s.run(ctx, job)
}

// Identify ranks "probe" against every stored template.
func (s *MatcherServer) Identify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	probe, err := gridField(req, "probe")
	if err != nil {
		return nil, err
	}
	return s.run(ctx, pipeline.Job{ID: "grpc-identify-" + uuid.NewString(), Type: pipeline.JobIdentify, Probe: probe})
}

func (s *MatcherServer) run(ctx context.Context, job pipeline.Job) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := pipeline.Await(ctx, s.pipeline, job)
	if err == nil {
		err = res.Error
	}
	if err != nil {
		s.log.Warn("gRPC job failed", "job", job.ID, "error", err)
		return nil, toStatus(err)
	}
	return toStruct(res.Meta)
}

func gridField(req *structpb.Struct, name string) (*scan.Grid, error) {
	v := req.GetFields()[name].GetStringValue()
	if v == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s image is required", name)
	}
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	g, err := imageio.DecodeBytes(data, imageio.Options{})
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return g, nil
}

// toStruct converts job metadata through JSON so nested slices and maps of
// any shape become Struct values.
func toStruct(meta map[string]any) (*structpb.Struct, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	out, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, pipeline.ErrMissingInput), errors.Is(err, scan.ErrMalformedScan), errors.Is(err, imageio.ErrUnsupportedSize):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

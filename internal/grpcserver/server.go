// Package grpcserver serves the solver over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON documents as the
// HTTP API, so no generated code is needed.
package grpcserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"platesolver/internal/errors"
	"platesolver/internal/extract"
	"platesolver/internal/observability"
	"platesolver/internal/pipeline"
	"platesolver/internal/storage"
)

const (
	serviceName       = "platesolver.v1.Solver"
	solveMethod       = "/" + serviceName + "/Solve"
	getSolutionMethod = "/" + serviceName + "/GetSolution"

	maxMessageSize = 32 << 20
)

// SolverServer is the server API of platesolver.v1.Solver.
type SolverServer interface {
	// Solve runs one solve to completion. Unsolved images are a normal
	// response with status "unsolved" and a reason; only malformed
	// requests fail with InvalidArgument.
	Solve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// GetSolution returns the stored solution of a job id.
	GetSolution(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes platesolver.v1.Solver for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SolverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Solve", Handler: unaryHandler(solveMethod, SolverServer.Solve)},
		{MethodName: "GetSolution", Handler: unaryHandler(getSolutionMethod, SolverServer.GetSolution)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "platesolver/v1/solver.proto",
}

type method func(SolverServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SolverServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SolverServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterSolverServer registers srv on s.
func RegisterSolverServer(s grpc.ServiceRegistrar, srv SolverServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls platesolver.v1.Solver.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Solve calls Solver/Solve.
func (c *Client) Solve(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, solveMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSolution calls Solver/GetSolution.
func (c *Client) GetSolution(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getSolutionMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Server implements SolverServer on top of a pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	store    *storage.Store
	metrics  *observability.SolverCollector
	log      *slog.Logger
}

// NewServer returns a Server. Solves run synchronously through pipe so
// they are logged, recorded and broadcast like queued jobs.
func NewServer(pipe *pipeline.Pipeline, store *storage.Store, metrics *observability.SolverCollector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pipeline: pipe, store: store, metrics: metrics, log: log}
}

// SolveRequest is the Solve request document.
type SolveRequest struct {
	pipeline.Params
	Stars     []extract.Star `json:"stars,omitempty"`
	InputPath string         `json:"input_path,omitempty"`
	Output    string         `json:"output,omitempty"`
}

func (s *Server) Solve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SolveRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if len(req.Stars) == 0 && req.InputPath == "" {
		return nil, status.Error(codes.InvalidArgument, "stars or input_path is required")
	}
	params := req.Params
	params.Stars = req.Stars
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobSolve,
		InputPath: req.InputPath,
		Output:    req.Output,
		Params:    params,
	}

	res := s.pipeline.Do(ctx, job)
	if res.Status() == "failed" {
		code := codes.Internal
		switch {
		case errors.Is(res.Error, errors.ErrInput):
			code = codes.InvalidArgument
		case errors.Is(res.Error, context.Canceled):
			code = codes.Canceled
		case errors.Is(res.Error, context.DeadlineExceeded):
			code = codes.DeadlineExceeded
		}
		return nil, status.Error(code, res.Error.Error())
	}
	return encode(res)
}

func (s *Server) GetSolution(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Solution(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "no solution for job %s", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encode(rec)
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ChainUnaryInterceptor(s.metrics.UnaryServerInterceptor()),
	)
	RegisterSolverServer(gs, s)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down grpc server")
		gs.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func decode(in *structpb.Struct, v any) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

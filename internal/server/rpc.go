package server

import (
	"context"
	"encoding/json"
	"fmt"
	"gossip_sim/internal/dataType"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// The node-to-node service is declared by hand and carried as JSON, so the
// wire types are the plain structs in dataType.
const (
	codecName             = "json"
	gossipServiceName     = "gossip.GossipService"
	sendMessageMethod     = "/" + gossipServiceName + "/SendMessage"
	updateNeighborsMethod = "/" + gossipServiceName + "/UpdateNeighbors"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GossipServiceServer is the server API of gossip.GossipService.
type GossipServiceServer interface {
	SendMessage(context.Context, *dataType.GossipMessage) (*dataType.Acknowledgment, error)
	UpdateNeighbors(context.Context, *dataType.UpdateNeighborsRequest) (*dataType.Acknowledgment, error)
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: gossipServiceName,
	HandlerType: (*GossipServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendMessage", Handler: sendMessageHandler},
		{MethodName: "UpdateNeighbors", Handler: updateNeighborsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gossip.proto",
}

func sendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(dataType.GossipMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GossipServiceServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMessageMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GossipServiceServer).SendMessage(ctx, req.(*dataType.GossipMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func updateNeighborsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(dataType.UpdateNeighborsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GossipServiceServer).UpdateNeighbors(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: updateNeighborsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GossipServiceServer).UpdateNeighbors(ctx, req.(*dataType.UpdateNeighborsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// gossipService adapts a GossipNode to the RPC surface. Outcomes, including
// rejections, travel in the Acknowledgment; no status error is returned.
type gossipService struct {
	node *GossipNode
}

func (s *gossipService) SendMessage(_ context.Context, msg *dataType.GossipMessage) (*dataType.Acknowledgment, error) {
	ack := s.node.Deliver(*msg)
	return &ack, nil
}

func (s *gossipService) UpdateNeighbors(_ context.Context, req *dataType.UpdateNeighborsRequest) (*dataType.Acknowledgment, error) {
	ack := s.node.UpdateNeighbors(req.Edges)
	return &ack, nil
}

type GRPCServer struct {
	srv *grpc.Server
	lis net.Listener
}

// StartGRPCServer listens on addr and serves the node in the background.
func StartGRPCServer(node *GossipNode, addr string, lg *zap.Logger) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeGRPC(node, lis, lg), nil
}

// ServeGRPC serves the node on an existing listener in the background.
func ServeGRPC(node *GossipNode, lis net.Listener, lg *zap.Logger) *GRPCServer {
	if lg == nil {
		lg = zap.NewNop()
	}
	srv := grpc.NewServer()
	srv.RegisterService(&gossipServiceDesc, &gossipService{node: node})

	s := &GRPCServer{srv: srv, lis: lis}
	lg.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := srv.Serve(lis); err != nil {
			lg.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s
}

func (s *GRPCServer) Addr() string {
	return s.lis.Addr().String()
}

func (s *GRPCServer) Stop() {
	s.srv.GracefulStop()
}

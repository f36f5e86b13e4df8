package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
	"github.com/jrife/standby/storage/segment"
	"github.com/jrife/standby/utils/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SegmentSource is the part of a segment store the
// primary serves from
type SegmentSource interface {
	Head() (uuid.UUID, bool, error)
	ReadSegment(id uuid.UUID) (segment.Segment, error)
}

// ClientInfo describes what a primary has seen from one standby
type ClientInfo struct {
	ID           string
	Address      string
	LastSeen     time.Time
	Requests     int64
	SegmentsSent int64
	BytesSent    int64
}

// ServerConfig configures a Server
type ServerConfig struct {
	Source SegmentSource
	Logger *zap.Logger
	// Now is used to timestamp client activity. Defaults to time.Now.
	Now func() time.Time
}

var _ PrimaryService = (*Server)(nil)

// Server implements PrimaryService over a SegmentSource
// and keeps track of the standbys talking to it.
type Server struct {
	source  SegmentSource
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	clients *treemap.Map
}

// NewServer creates a Server
func NewServer(config ServerConfig) *Server {
	server := &Server{
		source:  config.Source,
		logger:  config.Logger,
		now:     config.Now,
		clients: treemap.NewWithStringComparator(),
	}

	if server.logger == nil {
		server.logger = zap.L()
	}

	if server.now == nil {
		server.now = time.Now
	}

	return server
}

// Register registers this server's service with grpcServer
func (server *Server) Register(grpcServer *grpc.Server) {
	RegisterPrimaryService(grpcServer, server)
}

// Serve runs a gRPC server for this primary on listener until
// ctx is done, then stops it gracefully.
func (server *Server) Serve(ctx context.Context, listener net.Listener, options ...grpc.ServerOption) error {
	grpcServer := grpc.NewServer(options...)
	server.Register(grpcServer)

	stopped := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			grpcServer.GracefulStop()
		case <-stopped:
		}
	}()

	defer close(stopped)

	if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

// GetHead implements PrimaryService.GetHead
func (server *Server) GetHead(ctx context.Context, request *emptypb.Empty) (*wrapperspb.StringValue, error) {
	clientID, err := server.observe(ctx, 0)

	if err != nil {
		return nil, err
	}

	logger := log.WithContext(ctx, server.logger).With(zap.String("operation", "GetHead"), zap.String("client", clientID))
	head, ok, err := server.source.Head()

	if err != nil {
		logger.Error("could not read head", zap.Error(err))

		return nil, status.Errorf(codes.Internal, "could not read head: %s", err.Error())
	}

	if !ok {
		logger.Debug("no head")

		return wrapperspb.String(""), nil
	}

	logger.Debug("return", zap.Stringer("head", head))

	return wrapperspb.String(head.String()), nil
}

// GetSegment implements PrimaryService.GetSegment
func (server *Server) GetSegment(ctx context.Context, request *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	logger := log.WithContext(ctx, server.logger).With(zap.String("operation", "GetSegment"), zap.String("segment", request.GetValue()))
	id, err := uuid.Parse(request.GetValue())

	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad segment id %q: %s", request.GetValue(), err.Error())
	}

	s, err := server.source.ReadSegment(id)

	if err != nil {
		if errors.Is(err, segment.ErrNoSuchSegment) {
			server.observe(ctx, -1)
			logger.Debug("no such segment")

			return nil, status.Errorf(codes.NotFound, "segment %s not found", id)
		}

		logger.Error("could not read segment", zap.Error(err))

		return nil, status.Errorf(codes.Internal, "could not read segment %s: %s", id, err.Error())
	}

	data := s.Marshal()

	if _, err := server.observe(ctx, int64(len(data))); err != nil {
		return nil, err
	}

	logger.Debug("return", zap.Int("bytes", len(data)))

	return wrapperspb.Bytes(data), nil
}

// Clients lists the standbys that have talked to
// this server ordered by id
func (server *Server) Clients() []ClientInfo {
	server.mu.Lock()
	defer server.mu.Unlock()

	clients := make([]ClientInfo, 0, server.clients.Size())

	for _, value := range server.clients.Values() {
		clients = append(clients, *value.(*ClientInfo))
	}

	return clients
}

// observe records a request. sent < 0 records a request
// that returned no segment.
func (server *Server) observe(ctx context.Context, sent int64) (string, error) {
	clientID, err := ClientID(ctx)

	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}

	address := ""

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		address = p.Addr.String()
	}

	server.mu.Lock()
	defer server.mu.Unlock()

	var info *ClientInfo

	if value, ok := server.clients.Get(clientID); ok {
		info = value.(*ClientInfo)
	} else {
		info = &ClientInfo{ID: clientID}
		server.clients.Put(clientID, info)
		server.logger.Info("new standby client", zap.String("client", clientID), zap.String("address", address))
	}

	info.Address = address
	info.LastSeen = server.now()
	info.Requests++

	if sent > 0 {
		info.SegmentsSent++
		info.BytesSent += sent
	}

	return clientID, nil
}

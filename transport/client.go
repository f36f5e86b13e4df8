package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/jrife/standby/storage/segment"
	"github.com/jrife/standby/utils/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// DefaultReadTimeout bounds a single read when
	// ClientConfig.ReadTimeout is not set
	DefaultReadTimeout = 60 * time.Second
	// DefaultRetries is the number of attempts made for
	// a read that fails because the primary is unavailable
	DefaultRetries = 3
	retryDelay     = 100 * time.Millisecond
)

// ClientConfig configures a Client
type ClientConfig struct {
	Host     string
	Port     int
	ClientID string
	Secure   bool
	// ReadTimeout bounds every read. Reads are not cut short
	// when the caller's context is cancelled.
	ReadTimeout             time.Duration
	SSLKeyFile              string
	SSLChainFile            string
	SSLServerSubjectPattern string
	Logger                  *zap.Logger
	// Dialer replaces the default network dialer
	Dialer  func(ctx context.Context, address string) (net.Conn, error)
	Retries uint
}

// Client pulls segments from a primary
type Client struct {
	conn        *grpc.ClientConn
	clientID    string
	readTimeout time.Duration
	retries     uint
	logger      *zap.Logger
}

// Dial creates a client for the primary at config.Host:config.Port.
// The connection is established lazily.
func Dial(config ClientConfig) (*Client, error) {
	if config.ClientID == "" {
		return nil, ErrMissingClientID
	}

	client := &Client{
		clientID:    config.ClientID,
		readTimeout: config.ReadTimeout,
		retries:     config.Retries,
		logger:      config.Logger,
	}

	if client.logger == nil {
		client.logger = zap.L()
	}

	if client.readTimeout <= 0 {
		client.readTimeout = DefaultReadTimeout
	}

	if client.retries == 0 {
		client.retries = DefaultRetries
	}

	address := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	client.logger = client.logger.With(zap.String("primary", address), zap.String("client", config.ClientID))
	options := []grpc.DialOption{}

	if config.Secure {
		tlsConfig, err := ClientTLS(config.SSLKeyFile, config.SSLChainFile, config.SSLServerSubjectPattern)

		if err != nil {
			return nil, err
		}

		options = append(options, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		options = append(options, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.Dialer != nil {
		options = append(options, grpc.WithContextDialer(config.Dialer))
	}

	conn, err := grpc.Dial(address, options...)

	if err != nil {
		return nil, fmt.Errorf("could not dial primary %s: %w", address, err)
	}

	client.conn = conn

	return client, nil
}

// Head returns the primary's head segment. ok is false
// if the primary has no head yet.
func (client *Client) Head(ctx context.Context) (head uuid.UUID, ok bool, err error) {
	logger := log.WithContext(ctx, client.logger).With(zap.String("operation", "Head"))
	response := &wrapperspb.StringValue{}

	if err := client.read(ctx, logger, getHeadMethod, &emptypb.Empty{}, response); err != nil {
		return uuid.Nil, false, err
	}

	if response.GetValue() == "" {
		return uuid.Nil, false, nil
	}

	head, err = uuid.Parse(response.GetValue())

	if err != nil {
		return uuid.Nil, false, fmt.Errorf("primary returned a bad head %q: %w", response.GetValue(), err)
	}

	return head, true, nil
}

// Segment reads one segment from the primary
func (client *Client) Segment(ctx context.Context, id uuid.UUID) (segment.Segment, error) {
	logger := log.WithContext(ctx, client.logger).With(zap.String("operation", "Segment"), zap.Stringer("segment", id))
	response := &wrapperspb.BytesValue{}

	if err := client.read(ctx, logger, getSegmentMethod, wrapperspb.String(id.String()), response); err != nil {
		return segment.Segment{}, err
	}

	return segment.Unmarshal(id, response.GetValue())
}

// Close closes the connection to the primary
func (client *Client) Close() error {
	return client.conn.Close()
}

// read performs one call. Cancellation of ctx is only observed
// before the call starts: the call itself runs under a context
// detached from ctx and bounded by the read timeout.
func (client *Client) read(ctx context.Context, logger *zap.Logger, method string, request interface{}, response interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	readCtx, cancel := context.WithTimeout(withClientID(context.WithoutCancel(ctx), client.clientID), client.readTimeout)
	defer cancel()

	logger.Debug("start")

	err := retry.Do(
		func() error {
			return client.conn.Invoke(readCtx, method, request, response)
		},
		retry.Context(readCtx),
		retry.Attempts(client.retries),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return status.Code(err) == codes.Unavailable
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("retry", zap.Uint("attempt", n), zap.Error(err))
		}),
	)

	if err != nil {
		logger.Debug("failed", zap.Error(err))

		return wrapError(err)
	}

	logger.Debug("return")

	return nil
}

func wrapError(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrNoSuchSegment, status.Convert(err).Message())
	}

	return err
}

// Package classifier is the client for the external frame classification service.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/proctord/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the gRPC service implemented by the Python CV service.
	ServiceName = "proctor.v1.FrameClassifier"
	// ClassifyMethod is the full unary method name.
	ClassifyMethod = "/" + ServiceName + "/Classify"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errInvalidResponse          = errors.New("invalid classifier response")
)

// GrpcClient calls the classifier over gRPC using structpb messages.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50052",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the classifier and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to classifier at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("classifier at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to frame classifier", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health runs the standard gRPC health check against the classifier service.
func (c *GrpcClient) Health(ctx context.Context) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus().String(), nil
}

// Classify sends one frame to the classifier. The image is forwarded as-is.
func (c *GrpcClient) Classify(ctx context.Context, sessionID, image string) (domain.Classification, map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{
		"session_id": sessionID,
		"image":      image,
	})
	if err != nil {
		return domain.Classification{}, nil, fmt.Errorf("build classify request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		return domain.Classification{}, nil, fmt.Errorf("classify request failed: %w", err)
	}

	cls, debug, err := decodeResult(resp)
	if err != nil {
		c.logger.Warn("Classifier returned malformed result", "session_id", sessionID, "error", err)
		return domain.Classification{}, nil, err
	}
	return cls, debug, nil
}

func decodeResult(resp *structpb.Struct) (domain.Classification, map[string]any, error) {
	fields := resp.GetFields()
	kind, ok := domain.ParseKind(fields["kind"].GetStringValue())
	if !ok {
		return domain.Classification{}, nil, fmt.Errorf("%w: unknown kind %q", errInvalidResponse, fields["kind"].GetStringValue())
	}

	debug := map[string]any{}
	if d := fields["debug_info"].GetStructValue(); d != nil {
		debug = d.AsMap()
	}

	return domain.Classification{
		Kind:   kind,
		Reason: fields["reason"].GetStringValue(),
	}, debug, nil
}

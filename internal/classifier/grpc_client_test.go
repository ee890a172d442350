package classifier

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ashureev/proctord/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type classifyFunc func(req *structpb.Struct) (*structpb.Struct, error)

func startServer(t *testing.T, fn classifyFunc) *GrpcClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Classify",
			Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return fn(in)
			},
		}},
	}, struct{}{})

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGrpcClient(GrpcClientConfig{
		Address:        "passthrough:///bufnet",
		ConnectTimeout: 2 * time.Second,
	}, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestGrpcClient_Classify(t *testing.T) {
	var got map[string]any
	client := startServer(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		got = req.AsMap()
		return structpb.NewStruct(map[string]any{
			"kind":   "profile_face",
			"reason": "Please look directly at the camera.",
			"debug_info": map[string]any{
				"faces_detected": 1,
				"yaw":            41.5,
			},
		})
	})

	cls, debug, err := client.Classify(context.Background(), "exam-1", "data:image/jpeg;base64,AAAA")
	require.NoError(t, err)

	assert.Equal(t, "exam-1", got["session_id"])
	assert.Equal(t, "data:image/jpeg;base64,AAAA", got["image"])
	assert.Equal(t, domain.KindProfileFace, cls.Kind)
	assert.Equal(t, "Please look directly at the camera.", cls.Reason)
	assert.Equal(t, 41.5, debug["yaw"])
	assert.Equal(t, 1.0, debug["faces_detected"])
}

func TestGrpcClient_NullKindIsClean(t *testing.T) {
	client := startServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"kind": nil})
	})

	cls, debug, err := client.Classify(context.Background(), "exam-1", "img")
	require.NoError(t, err)

	assert.Equal(t, domain.KindNone, cls.Kind)
	assert.Empty(t, debug)
}

func TestGrpcClient_UnknownKind(t *testing.T) {
	client := startServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"kind": "asleep"})
	})

	_, _, err := client.Classify(context.Background(), "exam-1", "img")

	assert.ErrorIs(t, err, errInvalidResponse)
}

func TestGrpcClient_Health(t *testing.T) {
	client := startServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	})

	status, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SERVING", status)
}

func TestNewGrpcClient_NotReady(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())

	_, err := NewGrpcClient(GrpcClientConfig{
		Address:        "passthrough:///closed",
		ConnectTimeout: 200 * time.Millisecond,
	}, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))

	assert.Error(t, err)
}

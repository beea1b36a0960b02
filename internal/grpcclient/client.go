package grpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-attendance/internal/faceverify"
	"github.com/example/face-attendance/internal/imagecodec"
	"github.com/example/face-attendance/internal/logging"
)

// BackendName identifies this backend in errors and logs.
const BackendName = "grpc"

const dialTimeout = 5 * time.Second

// DefaultDialOptions returns the options used for the face verifier connection.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// DialFaceVerifier returns a client whose connection is ready, or an error
// once the dial timeout or ctx expires. Extra options are applied after the defaults.
func DialFaceVerifier(ctx context.Context, addr string, logger *zap.Logger, extra ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts := append(DefaultDialOptions(), extra...)
	conn, err := grpc.NewClient(addr, opts...)
	if err == nil {
		if err = waitForReady(dialCtx, conn); err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_verifier", "", err)
		logger.Error("failed to dial face verifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, logger), conn, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection not ready (state %s): %w", state, ctx.Err())
		}
	}
}

// Client implements faceverify.Verifier over gRPC.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	return &Client{conn: conn, logger: logger.Named("grpc_face_verifier")}
}

// Verify sends both pictures to the remote verifier.
func (c *Client) Verify(ctx context.Context, probe, reference *imagecodec.Picture, opts faceverify.Options) (*faceverify.Result, error) {
	if probe == nil || reference == nil {
		return nil, errors.New("grpcclient: probe and reference pictures are required")
	}

	fields, err := requestFields(probe, reference, opts)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, verifyMethod, req, resp); err != nil {
		st, _ := status.FromError(err)
		c.logger.Error("face verifier call failed",
			zap.String("code", st.Code().String()),
			zap.String("message", st.Message()),
		)
		return nil, &faceverify.Error{
			Backend: BackendName,
			Code:    int(st.Code()),
			Message: st.Message(),
			Err:     err,
		}
	}

	return decodeResult(resp)
}

func requestFields(probe, reference *imagecodec.Picture, opts faceverify.Options) (map[string]any, error) {
	img1, err := probe.PortableDataURI()
	if err != nil {
		return nil, fmt.Errorf("encode probe picture: %w", err)
	}
	img2, err := reference.PortableDataURI()
	if err != nil {
		return nil, fmt.Errorf("encode reference picture: %w", err)
	}
	fields := map[string]any{
		"img1":              img1,
		"img2":              img2,
		"enforce_detection": opts.EnforceDetection,
	}
	if opts.ModelName != "" {
		fields["model_name"] = opts.ModelName
	}
	if opts.DetectorBackend != "" {
		fields["detector_backend"] = opts.DetectorBackend
	}
	if opts.DistanceMetric != "" {
		fields["distance_metric"] = opts.DistanceMetric
	}
	return fields, nil
}

// decodeResult maps the response Struct onto faceverify.Result through its JSON tags.
func decodeResult(resp *structpb.Struct) (*faceverify.Result, error) {
	raw, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, fmt.Errorf("encode verify response: %w", err)
	}
	var result faceverify.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &faceverify.Error{
			Backend: BackendName,
			Message: fmt.Sprintf("decode verify response: %v", err),
			Err:     err,
		}
	}
	return &result, nil
}

var _ faceverify.Verifier = (*Client)(nil)

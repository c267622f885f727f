package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the fully qualified gRPC service served by the codec process.
	ServiceName = "collab.codec.v1.Codec"

	jsonCodecName       = "json"
	documentMetadataKey = "x-document-id"
	defaultCallTimeout  = 2 * time.Second

	methodMerge       = "Merge"
	methodStateVector = "StateVector"
	methodDiff        = "Diff"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries bridge messages as JSON so no generated protobuf code is needed.
type jsonCodec struct{}

func (jsonCodec) Marshal(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (jsonCodec) Unmarshal(data []byte, value any) error {
	return json.Unmarshal(data, value)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

// MergeRequest is the wire message for Merge.
type MergeRequest struct {
	State  []byte `json:"state,omitempty"`
	Update []byte `json:"update,omitempty"`
}

// StateVectorRequest is the wire message for StateVector.
type StateVectorRequest struct {
	State []byte `json:"state,omitempty"`
}

// DiffRequest is the wire message for Diff.
type DiffRequest struct {
	State  []byte `json:"state,omitempty"`
	Vector []byte `json:"vector,omitempty"`
}

// Reply carries the payload returned by every codec method.
type Reply struct {
	Payload []byte `json:"payload,omitempty"`
}

// BridgeConfig configures the cross-process codec client.
type BridgeConfig struct {
	Address     string
	Timeout     time.Duration
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

// Bridge is a Codec backed by a separate codec process reached over gRPC.
type Bridge struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *zap.Logger
}

// NewBridge creates a client for the codec process at cfg.Address. The
// connection is established lazily on the first call.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errors.New("codec: bridge address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	options := cfg.DialOptions
	if len(options) == 0 {
		options = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(address, options...)
	if err != nil {
		return nil, fmt.Errorf("codec: dial bridge: %w", err)
	}
	return &Bridge{conn: conn, timeout: timeout, logger: logger}, nil
}

// Merge implements Codec.
func (b *Bridge) Merge(ctx context.Context, state, update []byte) ([]byte, error) {
	return b.invoke(ctx, methodMerge, &MergeRequest{State: state, Update: update})
}

// StateVector implements Codec.
func (b *Bridge) StateVector(ctx context.Context, state []byte) ([]byte, error) {
	return b.invoke(ctx, methodStateVector, &StateVectorRequest{State: state})
}

// Diff implements Codec.
func (b *Bridge) Diff(ctx context.Context, state, vector []byte) ([]byte, error) {
	return b.invoke(ctx, methodDiff, &DiffRequest{State: state, Vector: vector})
}

// Close releases the underlying connection.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

func (b *Bridge) invoke(ctx context.Context, method string, request any) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	documentID := DocumentFromContext(ctx)
	if documentID != "" {
		callCtx = metadata.AppendToOutgoingContext(callCtx, documentMetadataKey, documentID)
	}

	var reply Reply
	err := b.conn.Invoke(callCtx, fullMethodName(method), request, &reply, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		translated := fromStatus(err)
		b.logger.Debug("codec bridge call failed",
			zap.String("method", method),
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		return nil, translated
	}
	return reply.Payload, nil
}

func fullMethodName(method string) string {
	return "/" + ServiceName + "/" + method
}

// fromStatus maps a gRPC status back onto the codec error taxonomy.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrMalformed, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %w", ErrUnavailable, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ErrUnavailable, context.DeadlineExceeded)
	default:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, st.Code(), st.Message())
	}
}

// toStatus maps a codec error onto a gRPC status for the server side.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

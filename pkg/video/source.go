package video

import (
	"context"
	"errors"
	"image"
)

// ConnState is the frame source connection state
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateFailed
)

// String returns human-readable state
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Frame is one decoded image with its wall-clock timestamp in
// milliseconds since epoch. Consumed once by the owning worker.
type Frame struct {
	Image image.Image
	TsMs  int64
}

// ErrSourceFailed is the terminal error after reconnect exhaustion.
// The owning worker escalates; the source will not recover.
var ErrSourceFailed = errors.New("frame source failed permanently")

// Source produces a camera's live frames. The single reader is the
// owning camera worker; methods are never called concurrently, but
// state observers (metrics) may read concurrently with the reader.
type Source interface {
	// Open prepares the source. It does not block on the first frame.
	Open(ctx context.Context) error

	// NextFrame returns one decoded frame. Transient failures are
	// handled internally with reconnect and backoff; an error return
	// is terminal (ErrSourceFailed or context cancellation).
	NextFrame(ctx context.Context) (Frame, error)

	// Close releases resources
	Close() error

	// State returns the current connection state
	State() ConnState
}

// Decoder turns one media fragment's bytes into decoded frames. The
// actual video decoding is an external collaborator; the HLS reader
// fetches segments and hands their bytes to it.
type Decoder interface {
	// Decode extracts frames from one fragment's bytes. Timestamps on
	// returned frames may be zero when the container carries none; the
	// reader then stamps wall-clock time.
	Decode(ctx context.Context, fragment []byte) ([]Frame, error)
}

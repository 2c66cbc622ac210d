package session

import (
	"context"
	"errors"

	"github.com/room4-2/OpenOnboard/realtime"
)

// ErrPermissionDenied marks a capture-permission failure. Sessions treat it
// as fatal and never retry the connection.
var ErrPermissionDenied = errors.New("audio capture permission denied")

// Transport is the session's view of the realtime connection. The concrete
// implementation is the WebRTC transport in the realtime package; tests
// substitute a fake.
type Transport interface {
	Connect(ctx context.Context, token string) error
	Send(ev realtime.ClientEvent) error
	SetCapture(enabled bool)
	Close() error
}

// TransportFactory builds one transport wired to the given callbacks. The
// session creates a fresh transport per connection attempt so reconnects
// never reuse torn-down peer state.
type TransportFactory func(
	onEvent func(realtime.Event),
	onState func(realtime.ConnState),
	onError func(error),
) (Transport, error)

// NewWebRTCFactory returns the production transport factory.
func NewWebRTCFactory(signalingURL string, source realtime.AudioSource, maxBuffer int) TransportFactory {
	return func(
		onEvent func(realtime.Event),
		onState func(realtime.ConnState),
		onError func(error),
	) (Transport, error) {
		conn := realtime.NewConn(signalingURL, source, maxBuffer)
		conn.OnEvent = onEvent
		conn.OnState = onState
		conn.OnError = onError
		return conn, nil
	}
}

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRadioUnavailable means the local radio is off, unauthorized, or
	// unsupported. Start operations issued in this state are queued and
	// replayed when the radio comes up; connects are rejected outright.
	ErrRadioUnavailable = errors.New("radio unavailable")

	// ErrConnectionFailed is terminal: the caller must retry explicitly.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionTimeout is a connect attempt that neither succeeded
	// nor failed inside the configured window. Treated as a connection
	// failure.
	ErrConnectionTimeout = fmt.Errorf("%w: timed out", ErrConnectionFailed)

	// ErrNotConnected means a send was attempted with no live peer.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownPeer means the target PeerId has no live connection.
	ErrUnknownPeer = errors.New("unknown peer")
)

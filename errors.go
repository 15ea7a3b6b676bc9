package hellobus

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrBusClosed                   = errors.New("hellobus: bus is closed")
	ErrInvalidTopic                = errors.New("hellobus: topic must not be empty")
	ErrInvalidEventName            = errors.New("hellobus: event name must not be empty")
	ErrInvalidPayload              = errors.New("hellobus: payload must not be nil")
	ErrInvalidSubscription         = errors.New("hellobus: subscription requires topic, group and handler")
	ErrHandlerPanic                = errors.New("hellobus: handler panic")
	ErrNoTransportConfigured       = errors.New("hellobus: no transport configured")
	ErrUnknownCodec                = errors.New("hellobus: unknown codec")
	ErrDecode                      = errors.New("hellobus: payload does not decode")
	ErrObserverPoolShutdownTimeout = errors.New("hellobus: observer pool shutdown timeout")
)

package genai

import (
	"errors"
	"fmt"

	"nano-genai-go/device"
)

// Error classes. Every error returned by this package wraps exactly one of them.
var (
	// ErrProtocol marks calls made in the wrong generator state.
	ErrProtocol = errors.New("protocol error")
	// ErrResource marks allocation, device and backend failures.
	ErrResource = errors.New("resource error")
	// ErrConfig marks invalid parameters, options and inputs.
	ErrConfig = errors.New("configuration error")
)

var (
	ErrLogitsAlreadyComputed = fmt.Errorf("%w: logits already computed for this step", ErrProtocol)
	ErrNoTokens              = fmt.Errorf("%w: no tokens appended", ErrProtocol)
	ErrGeneratorDone         = fmt.Errorf("%w: generation is done", ErrProtocol)
	ErrGeneratorClosed       = fmt.Errorf("%w: generator is closed", ErrProtocol)
	ErrLogitsNotComputed     = fmt.Errorf("%w: logits not computed for this step", ErrProtocol)
	ErrInvalidRewind         = fmt.Errorf("%w: invalid rewind length", ErrProtocol)
	ErrIndexOutOfRange       = fmt.Errorf("%w: index out of range", ErrProtocol)
	ErrGlobalsInitialized    = fmt.Errorf("%w: globals already initialized", ErrProtocol)
	ErrShutdown              = fmt.Errorf("%w: globals already shut down", ErrProtocol)
	ErrLiveInstances         = fmt.Errorf("%w: shutdown with live generators or models", ErrProtocol)

	ErrGeneratorFailed   = fmt.Errorf("%w: generator failed", ErrResource)
	ErrSessionTerminated = fmt.Errorf("%w: session terminated", ErrResource)
	ErrAllocation        = fmt.Errorf("%w: allocation failed", ErrResource)
	ErrMaxLength         = fmt.Errorf("%w: sequence would exceed max_length", ErrResource)

	ErrUnknownRuntimeOption = fmt.Errorf("%w: unknown runtime option", ErrConfig)
	ErrUnknownSearchOption  = fmt.Errorf("%w: unknown search option", ErrConfig)
	ErrInvalidInput         = fmt.Errorf("%w: invalid input", ErrConfig)
)

// IsProtocolError reports whether err was caused by calling the API out of order.
func IsProtocolError(err error) bool { return errors.Is(err, ErrProtocol) }

// IsResourceError reports whether err was caused by the device or backend.
func IsResourceError(err error) bool {
	return errors.Is(err, ErrResource) || errors.Is(err, device.ErrAllocation) ||
		errors.Is(err, device.ErrDeviceUnavailable)
}

// IsConfigError reports whether err was caused by invalid configuration.
func IsConfigError(err error) bool { return errors.Is(err, ErrConfig) }

// configErrorf builds an error in the configuration class.
func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// resourceError wraps a backend or device failure into the resource class.
func resourceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrResource) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrResource, err)
}

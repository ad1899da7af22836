package genai

import (
	"errors"
	"fmt"
	"testing"

	"nano-genai-go/device"
)

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		err                        error
		protocol, resource, config bool
	}{
		{ErrLogitsAlreadyComputed, true, false, false},
		{fmt.Errorf("step: %w", ErrInvalidRewind), true, false, false},
		{ErrSessionTerminated, false, true, false},
		{resourceError("alloc", device.ErrAllocation), false, true, false},
		{fmt.Errorf("resolve: %w", device.ErrDeviceUnavailable), false, true, false},
		{configErrorf("bad %s", "value"), false, false, true},
		{ErrUnknownRuntimeOption, false, false, true},
	}
	for _, tt := range tests {
		if got := IsProtocolError(tt.err); got != tt.protocol {
			t.Errorf("IsProtocolError(%v): expected %v, got %v", tt.err, tt.protocol, got)
		}
		if got := IsResourceError(tt.err); got != tt.resource {
			t.Errorf("IsResourceError(%v): expected %v, got %v", tt.err, tt.resource, got)
		}
		if got := IsConfigError(tt.err); got != tt.config {
			t.Errorf("IsConfigError(%v): expected %v, got %v", tt.err, tt.config, got)
		}
	}
}

func TestResourceErrorKeepsCause(t *testing.T) {
	cause := errors.New("device lost")
	err := resourceError("run", cause)
	if !errors.Is(err, cause) || !errors.Is(err, ErrResource) {
		t.Errorf("Expected both the cause and the class, got %v", err)
	}
	if resourceError("run", nil) != nil {
		t.Errorf("Expected nil for a nil cause")
	}
}

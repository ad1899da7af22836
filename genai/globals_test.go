package genai

import (
	"errors"
	"testing"

	"nano-genai-go/device"
)

type fakeEnvironment struct {
	inits, destroys int
}

func (e *fakeEnvironment) Init() error    { e.inits++; return nil }
func (e *fakeEnvironment) Destroy() error { e.destroys++; return nil }

func TestGlobalsLifecycle(t *testing.T) {
	resetGlobals()
	defer resetGlobals()

	env := &fakeEnvironment{}
	g, err := InitGlobals(env)
	if err != nil {
		t.Fatalf("InitGlobals failed: %v", err)
	}
	if g.Environment() != env || env.inits != 1 {
		t.Errorf("Expected the environment to be initialized once, got %d", env.inits)
	}
	if GetGlobals() != g {
		t.Errorf("Expected GetGlobals to return the initialized globals")
	}
	if _, err := InitGlobals(env); !errors.Is(err, ErrGlobalsInitialized) {
		t.Errorf("Expected ErrGlobalsInitialized, got %v", err)
	}

	cpu, err := g.Allocator(device.CPU)
	if err != nil || cpu.Type() != device.CPU {
		t.Fatalf("Expected the cpu allocator, got %v (%v)", cpu, err)
	}
	if again, _ := g.Allocator(device.CPU); again != cpu {
		t.Errorf("Expected the allocator to be cached")
	}
	if _, err := g.Allocator(device.Max); !IsConfigError(err) {
		t.Errorf("Expected a config error for an invalid device, got %v", err)
	}

	release := TrackInstance()
	if err := Shutdown(); !errors.Is(err, ErrLiveInstances) {
		t.Errorf("Expected ErrLiveInstances, got %v", err)
	}
	release()
	release()

	if err := Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if env.destroys != 1 {
		t.Errorf("Expected the environment to be destroyed once, got %d", env.destroys)
	}
	if err := Shutdown(); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown on a second shutdown, got %v", err)
	}
	if _, err := InitGlobals(nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown on init after shutdown, got %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Expected GetGlobals to panic after shutdown")
		}
	}()
	GetGlobals()
}

func TestGetGlobalsInitializesLazily(t *testing.T) {
	resetGlobals()
	defer resetGlobals()

	g := GetGlobals()
	if g == nil || g.Environment() != nil {
		t.Fatalf("Expected lazily created globals without an environment")
	}
	if _, err := InitGlobals(nil); !errors.Is(err, ErrGlobalsInitialized) {
		t.Errorf("Expected ErrGlobalsInitialized after lazy init, got %v", err)
	}
}

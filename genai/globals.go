package genai

import (
	"fmt"
	"sync"
	"sync/atomic"

	"nano-genai-go/device"
	"nano-genai-go/logger"
)

// Environment is the process-wide backend runtime, such as the ONNX Runtime environment.
type Environment interface {
	Init() error
	Destroy() error
}

// Globals is the process-wide engine state: the backend environment and one
// allocator per device type.
type Globals struct {
	env        Environment
	mu         sync.Mutex
	allocators [device.Max]device.Interface
}

type globalsPhase int

const (
	phaseUninitialized globalsPhase = iota
	phaseLive
	phaseShutdown
)

var (
	globalsMu     sync.Mutex
	globals       *Globals
	phase         globalsPhase
	liveInstances atomic.Int64
)

// InitGlobals initializes the process-wide state once. env may be nil when no
// backend runtime needs initializing.
func InitGlobals(env Environment) (*Globals, error) {
	globalsMu.Lock()
	defer globalsMu.Unlock()

	switch phase {
	case phaseLive:
		return nil, ErrGlobalsInitialized
	case phaseShutdown:
		return nil, ErrShutdown
	}
	if env != nil {
		if err := env.Init(); err != nil {
			return nil, resourceError("failed to initialize environment", err)
		}
	}
	globals = &Globals{env: env}
	phase = phaseLive
	logger.Log.Debug("globals initialized")
	return globals, nil
}

// GetGlobals returns the process-wide state, initializing it without an
// environment on first use. Using globals after Shutdown panics.
func GetGlobals() *Globals {
	globalsMu.Lock()
	defer globalsMu.Unlock()

	switch phase {
	case phaseShutdown:
		panic("genai: globals used after Shutdown")
	case phaseUninitialized:
		globals = &Globals{}
		phase = phaseLive
	}
	return globals
}

// Shutdown destroys the process-wide state. It may be called once, after every
// generator and model has been released.
func Shutdown() error {
	globalsMu.Lock()
	defer globalsMu.Unlock()

	if phase == phaseShutdown {
		return ErrShutdown
	}
	if n := liveInstances.Load(); n > 0 {
		return fmt.Errorf("%w: %d still alive", ErrLiveInstances, n)
	}
	var err error
	if globals != nil && globals.env != nil {
		err = globals.env.Destroy()
	}
	globals = nil
	phase = phaseShutdown
	logger.Log.Debug("globals shut down")
	if err != nil {
		return resourceError("failed to destroy environment", err)
	}
	return nil
}

// Allocator returns the interface of device type t, resolving it on first use.
func (g *Globals) Allocator(t device.Type) (device.Interface, error) {
	if t < 0 || t >= device.Max {
		return nil, configErrorf("invalid device type %d", int(t))
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if iface := g.allocators[t]; iface != nil {
		return iface, nil
	}
	iface, err := device.Get(t)
	if err != nil {
		return nil, resourceError("failed to resolve allocator", err)
	}
	g.allocators[t] = iface
	return iface, nil
}

// Environment returns the backend environment, nil when none was given.
func (g *Globals) Environment() Environment { return g.env }

// TrackInstance counts a live generator or model until the returned func is called.
func TrackInstance() (release func()) {
	liveInstances.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { liveInstances.Add(-1) })
	}
}

// LiveInstances returns the number of tracked generators and models.
func LiveInstances() int64 { return liveInstances.Load() }

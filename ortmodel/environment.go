// Package ortmodel runs decoder-only ONNX models with ONNX Runtime behind the
// genai Model and State interfaces.
package ortmodel

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"nano-genai-go/logger"
)

// Environment is the process-wide ONNX Runtime environment. Pass it to
// genai.InitGlobals so Shutdown destroys it after the last model.
type Environment struct {
	// LibraryPath is the onnxruntime shared library; empty uses the platform default.
	LibraryPath string
}

func (e *Environment) Init() error {
	if ort.IsInitialized() {
		return nil
	}
	if e.LibraryPath != "" {
		ort.SetSharedLibraryPath(e.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	logger.Log.Info("ONNX runtime initialized", "library", e.LibraryPath)
	return nil
}

func (e *Environment) Destroy() error {
	if !ort.IsInitialized() {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("failed to destroy ONNX runtime: %w", err)
	}
	return nil
}

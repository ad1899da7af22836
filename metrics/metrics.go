package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genai_tokens_generated_total",
		Help: "The total number of tokens selected by the search",
	})

	TokensAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genai_tokens_appended_total",
		Help: "The total number of caller-provided tokens appended to generators",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "genai_step_duration_seconds",
		Help: "Duration of backend forward steps",
	})

	MaskWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "genai_guidance_mask_wait_seconds",
		Help:    "Time spent blocked waiting on an asynchronously computed token mask",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	MaskNotReady = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genai_guidance_mask_not_ready_total",
		Help: "Number of steps where the token mask was not ready when logits needed it",
	})

	SessionTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genai_session_terminations_total",
		Help: "Number of steps rejected because the session was terminated",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genai_numerical_instability_total",
		Help: "Total number of NaN/Inf logits detected before selection",
	}, []string{"type"})

	GraphCapture = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genai_graph_capture_decisions_total",
		Help: "Graph capture eligibility decisions",
	}, []string{"device", "enabled"})

	LiveGenerators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "genai_live_generators",
		Help: "Generators currently alive",
	})

	DeviceBytesAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "genai_device_bytes_allocated",
		Help: "Bytes currently allocated per device",
	}, []string{"device"})
)

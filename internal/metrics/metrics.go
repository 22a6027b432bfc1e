package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "channel_sessions_active",
		Help: "Currently attached session channels",
	})

	ChannelsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_sessions_total",
		Help: "Total session channels opened",
	})

	AudioFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_audio_frames_in_total",
		Help: "Audio frames received from clients",
	})

	AudioFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_audio_frames_out_total",
		Help: "Audio frames forwarded to clients",
	})

	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_total",
		Help: "Browser tasks by terminal status",
	}, []string{"status"})

	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Browser task wall time from start to terminal event",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	TaskSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "task_steps",
		Help:    "Browser agent steps per task",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 80},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surfd_errors_total",
		Help: "Error counts by component",
	}, []string{"component", "error_type"})
)

// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for runtime, reactor and HTTP/2 activity. A nil
// *Metrics is valid and records nothing.

package control

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hioload_h2"

// Metrics groups every collector the module updates.
type Metrics struct {
	reg prometheus.Registerer

	TasksSpawned   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksCancelled prometheus.Counter
	TasksLive      prometheus.Gauge
	ReactorWaits   prometheus.Counter
	ReactorEvents  prometheus.Counter
	TimersFired    prometheus.Counter

	Connections   prometheus.Gauge
	FramesRead    *prometheus.CounterVec
	FramesWritten *prometheus.CounterVec
	StreamsOpened prometheus.Counter
	StreamsReset  *prometheus.CounterVec
	FlowStalls    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reg: reg,
		TasksSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "tasks_spawned_total",
			Help: "Tasks accepted by Spawn.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "tasks_completed_total",
			Help: "Tasks whose future returned a result.",
		}),
		TasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "tasks_cancelled_total",
			Help: "Tasks aborted before completion.",
		}),
		TasksLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "tasks_live",
			Help: "Spawned tasks not yet finished.",
		}),
		ReactorWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "waits_total",
			Help: "Reactor wait cycles.",
		}),
		ReactorEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "events_total",
			Help: "Readiness events dispatched.",
		}),
		TimersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "fired_total",
			Help: "Timer callbacks run.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "h2", Name: "connections",
			Help: "Open HTTP/2 connections.",
		}),
		FramesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "h2", Name: "frames_read_total",
			Help: "Frames decoded, by type.",
		}, []string{"type"}),
		FramesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "h2", Name: "frames_written_total",
			Help: "Frames serialized, by type.",
		}, []string{"type"}),
		StreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "h2", Name: "streams_opened_total",
			Help: "Streams created locally or by the peer.",
		}),
		StreamsReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "h2", Name: "streams_reset_total",
			Help: "Streams reset, by error code.",
		}, []string{"code"}),
		FlowStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "h2", Name: "flow_control_stalls_total",
			Help: "Times outbound DATA waited for window credit.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.TasksSpawned, m.TasksCompleted, m.TasksCancelled, m.TasksLive,
		m.ReactorWaits, m.ReactorEvents, m.TimersFired,
		m.Connections, m.FramesRead, m.FramesWritten,
		m.StreamsOpened, m.StreamsReset, m.FlowStalls,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WatchTimerWheel exports wheel occupancy through a gauge evaluated at
// scrape time. Re-registering the same gauge is ignored.
func (m *Metrics) WatchTimerWheel(pending func() int) error {
	if m == nil || m.reg == nil {
		return nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "timer", Name: "pending",
		Help: "Timer entries waiting to fire.",
	}, func() float64 { return float64(pending()) })
	err := m.reg.Register(g)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

func (m *Metrics) TaskSpawned() {
	if m != nil {
		m.TasksSpawned.Inc()
		m.TasksLive.Inc()
	}
}

func (m *Metrics) TaskFinished(cancelled bool) {
	if m == nil {
		return
	}
	m.TasksLive.Dec()
	if cancelled {
		m.TasksCancelled.Inc()
	} else {
		m.TasksCompleted.Inc()
	}
}

func (m *Metrics) ReactorCycle(events int) {
	if m != nil {
		m.ReactorWaits.Inc()
		m.ReactorEvents.Add(float64(events))
	}
}

func (m *Metrics) TimersRun(n int) {
	if m != nil && n > 0 {
		m.TimersFired.Add(float64(n))
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) FrameRead(typ string) {
	if m != nil {
		m.FramesRead.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) FrameWritten(typ string) {
	if m != nil {
		m.FramesWritten.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.StreamsOpened.Inc()
	}
}

func (m *Metrics) StreamReset(code string) {
	if m != nil {
		m.StreamsReset.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) FlowStall() {
	if m != nil {
		m.FlowStalls.Inc()
	}
}

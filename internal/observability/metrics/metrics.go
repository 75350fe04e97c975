// Package metrics holds mealbot's Prometheus collectors. A single Metrics
// value is constructed in app wiring and handed to the components that
// observe it; there is no global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	TasksFired        *prometheus.CounterVec
	TaskFailures      *prometheus.CounterVec
	WindowsOpened     prometheus.Counter
	WindowsClosed     prometheus.Counter
	WindowsRecovered  prometheus.Counter
	ReactionsRecorded *prometheus.CounterVec
	GatewayErrors     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		TasksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mealbot", Subsystem: "scheduler",
			Name: "tasks_fired_total", Help: "Tasks fired, by payload kind.",
		}, []string{"kind"}),
		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mealbot", Subsystem: "scheduler",
			Name: "task_failures_total", Help: "Task executions that returned an error, by payload kind.",
		}, []string{"kind"}),
		WindowsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mealbot", Subsystem: "window",
			Name: "opened_total", Help: "Registration windows opened.",
		}),
		WindowsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mealbot", Subsystem: "window",
			Name: "closed_total", Help: "Registration windows finalized (summary committed).",
		}),
		WindowsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mealbot", Subsystem: "window",
			Name: "recovered_total", Help: "Windows re-armed or finalized during boot recovery.",
		}),
		ReactionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mealbot", Subsystem: "ledger",
			Name: "reactions_total", Help: "Reaction ledger writes, by op (opt_in/opt_out).",
		}, []string{"op"}),
		GatewayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mealbot", Subsystem: "gateway",
			Name: "errors_total", Help: "Failed gateway calls observed by the core.",
		}),
	}
	reg.MustRegister(
		m.TasksFired, m.TaskFailures,
		m.WindowsOpened, m.WindowsClosed, m.WindowsRecovered,
		m.ReactionsRecorded, m.GatewayErrors,
	)
	return m
}

package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ==============================================================================
// Prometheus Metrics
// ==============================================================================

var (
	// commandsTotal counts processed commands by namespace and result
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_kernel_commands_total",
		Help: "Total commands processed by namespace and result",
	}, []string{"namespace", "result"})

	// dispatchDuration tracks pipeline latency per command
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aura_kernel_dispatch_duration_seconds",
		Help:    "Pipeline dispatch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50us to ~400ms
	}, []string{"namespace"})

	// tickGauge mirrors the logical clock
	tickGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aura_kernel_tick",
		Help: "Current kernel tick",
	})

	// queueLength tracks queued cognitive tasks
	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aura_kernel_queue_length",
		Help: "Number of queued cognitive tasks",
	})

	// runningTasks is 1 while the running slot is occupied
	runningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aura_kernel_running_tasks",
		Help: "Number of running cognitive tasks (0 or 1)",
	})

	// persistErrors counts failed snapshot saves
	persistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aura_kernel_persist_errors_total",
		Help: "Total failed snapshot saves",
	})

	// rulesFired counts coprocessor firings by rule
	rulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_coprocessor_rules_fired_total",
		Help: "Total coprocessor rule firings by rule",
	}, []string{"rule"})

	// ruleErrors counts failed coprocessor actions by rule
	ruleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_coprocessor_rule_errors_total",
		Help: "Total failed coprocessor actions by rule",
	}, []string{"rule"})
)

func metricNamespace(ns string) string {
	if ns == "" {
		return "none"
	}
	return ns
}

func observeKernel(k KernelSlice) {
	tickGauge.Set(float64(k.Tick))
	queueLength.Set(float64(len(k.Queue)))
	if k.Running != nil {
		runningTasks.Set(1)
	} else {
		runningTasks.Set(0)
	}
}

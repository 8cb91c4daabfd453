// Package metrics holds the Prometheus collectors for the gateway session and
// the plugin registry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	gatewayState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "gateway",
			Name:      "state",
			Help:      "1 for the current gateway connection state, 0 otherwise.",
		},
		[]string{"state"},
	)
	gatewayConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "gateway",
			Name:      "connects_total",
			Help:      "Gateway handshakes by mode (identify or resume).",
		},
		[]string{"mode"},
	)
	gatewayResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "gateway",
			Name:      "resets_total",
			Help:      "Session resets by cause.",
		},
		[]string{"cause"},
	)
	gatewayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Inbound gateway frames by opcode.",
		},
		[]string{"op"},
	)
	gatewaySeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "gateway",
			Name:      "sequence",
			Help:      "Last gateway sequence number seen.",
		},
	)
	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "token",
			Name:      "refreshes_total",
			Help:      "Access token fetches by outcome.",
		},
		[]string{"success"},
	)
	pluginReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "plugins",
			Name:      "reloads_total",
			Help:      "Registry reloads by outcome (ok, skipped).",
		},
		[]string{"outcome"},
	)
	pluginsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "plugins",
			Name:      "loaded",
			Help:      "Plugins in the current registry generation.",
		},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "plugins",
			Name:      "dispatch_total",
			Help:      "Command dispatches by plugin and result.",
		},
		[]string{"plugin", "result"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "plugins",
			Name:      "dispatch_duration_seconds",
			Help:      "Handler invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"plugin"},
	)
)

// States lists every gateway state label so the gauge can be zeroed.
var States = []string{"disconnected", "connecting", "awaiting_ready", "ready", "reconnect_pending", "closed"}

// Register adds the collectors to reg, once per process. A nil reg uses the
// default registerer.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			gatewayState, gatewayConnects, gatewayResets, gatewayFrames, gatewaySeq,
			tokenRefreshes, pluginReloads, pluginsLoaded, dispatches, dispatchDuration,
		)
	})
}

func SetGatewayState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		gatewayState.WithLabelValues(s).Set(v)
	}
}

func RecordConnect(resume bool) {
	mode := "identify"
	if resume {
		mode = "resume"
	}
	gatewayConnects.WithLabelValues(mode).Inc()
}

func RecordReset(cause string) {
	gatewayResets.WithLabelValues(cause).Inc()
}

func RecordFrame(op string) {
	gatewayFrames.WithLabelValues(op).Inc()
}

func SetSequence(seq int64) {
	gatewaySeq.Set(float64(seq))
}

func RecordTokenRefresh(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	tokenRefreshes.WithLabelValues(label).Inc()
}

func RecordReload(outcome string, loaded int) {
	pluginReloads.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		pluginsLoaded.Set(float64(loaded))
	}
}

func RecordDispatch(plugin, result string, duration time.Duration) {
	dispatches.WithLabelValues(plugin, result).Inc()
	dispatchDuration.WithLabelValues(plugin).Observe(duration.Seconds())
}

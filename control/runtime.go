// control/runtime.go
//
// Bundles ConfigStore, DebugProbes and MetricsRegistry into the concrete
// set of knobs and probes this runtime exposes, and wires them to the
// coroutine/scheduler/reactor packages so a config change takes effect
// without those packages importing control themselves.

package control

import (
	"time"

	"github.com/duskrunner/corio/coro"
	"github.com/duskrunner/corio/hook"
	"github.com/duskrunner/corio/obsbus"
)

// Default config keys this runtime understands. Unknown keys passed to
// SetConfig are stored but have no wired effect.
const (
	KeyFiberStackSizeBytes = "fiber.stack_size_bytes"
	KeyNetConnectTimeoutMs = "net.connect_timeout_ms"
)

// Runtime bundles the config store, debug probes and metrics registry for
// one process, and owns the reload wiring between them.
type Runtime struct {
	Config  *ConfigStore
	Debug   *DebugProbes
	Metrics *MetricsRegistry
	Bus     *obsbus.Bus
}

// NewRuntime constructs a Runtime with its config reload listener already
// wired: changing fiber.stack_size_bytes updates coro.ConfiguredStackSize,
// and changing net.connect_timeout_ms updates hook's default connect
// timeout, matching the original's config-driven
// g_tcp_connect_timeout listener.
func NewRuntime() *Runtime {
	rt := &Runtime{
		Config:  NewConfigStore(),
		Debug:   NewDebugProbes(),
		Metrics: NewMetricsRegistry(),
		Bus:     obsbus.New(4096, 32),
	}
	rt.Config.SetConfig(map[string]any{
		KeyFiberStackSizeBytes: coro.DefaultStackSize,
		KeyNetConnectTimeoutMs: int64(-1),
	})
	rt.Config.OnReload(rt.applyConfig)

	rt.Debug.RegisterProbe("coro.live_count", func() any { return coro.LiveCount() })
	rt.Debug.RegisterProbe("obsbus.pending", func() any { return rt.Bus.Pending() })
	rt.Debug.RegisterProbe("obsbus.dropped", func() any { return rt.Bus.Dropped() })
	RegisterPlatformProbes(rt.Debug)

	rt.Bus.RegisterHandler(metricsHandler{rt.Metrics})

	return rt
}

func (rt *Runtime) applyConfig() {
	snap := rt.Config.GetSnapshot()
	if v, ok := snap[KeyFiberStackSizeBytes]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			coro.ConfiguredStackSize = n
		}
	}
	if v, ok := snap[KeyNetConnectTimeoutMs]; ok {
		if n, ok := toInt64(v); ok {
			hook.SetConnectTimeout(n)
		}
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// metricsHandler mirrors every obsbus.Event into the metrics registry as a
// monotonically increasing per-kind counter plus a last-seen timestamp, so
// DumpState/GetSnapshot callers see reactor activity without iomgr or
// sched needing to know MetricsRegistry exists.
type metricsHandler struct {
	metrics *MetricsRegistry
}

func (h metricsHandler) HandleEvent(ev obsbus.Event) {
	key := "events." + string(ev.Kind) + ".count"
	snap := h.metrics.GetSnapshot()
	count := int64(0)
	if v, ok := snap[key]; ok {
		if n, ok := toInt64(v); ok {
			count = n
		}
	}
	h.metrics.Set(key, count+1)
	h.metrics.Set("events."+string(ev.Kind)+".last_at", ev.At.Format(time.RFC3339Nano))
}

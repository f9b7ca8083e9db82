// Package diagnostics periodically samples process resource usage via
// gopsutil and publishes a debug_event frame to every connected session,
// supplementing the distilled spec with the kind of operational visibility
// the original system's telemetry stack (internal/observability) otherwise
// only exposes through Prometheus, for sessions that want an in-band feed.
package diagnostics

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/router"
	"github.com/annel0/mmo-game/internal/wire"
)

// Sampler periodically emits a debug_event with process stats to every
// connected session.
type Sampler struct {
	router   *router.Router
	interval time.Duration
	log      *logging.Logger
	proc     *process.Process
}

func New(r *router.Router, interval time.Duration, log *logging.Logger) (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{router: r, interval: interval, log: log, proc: proc}, nil
}

// Run blocks, sampling on s.interval until stop is closed.
func (s *Sampler) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sampleAndBroadcast()
		}
	}
}

func (s *Sampler) sampleAndBroadcast() {
	sessions := s.router.Sessions()
	if len(sessions) == 0 {
		return
	}

	data := map[string]interface{}{
		"connectedSessions": len(sessions),
	}

	if cpuPct, err := s.proc.CPUPercent(); err == nil {
		data["processCpuPercent"] = cpuPct
	}
	if memInfo, err := s.proc.MemoryInfo(); err == nil && memInfo != nil {
		data["processRssBytes"] = memInfo.RSS
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		data["systemMemUsedPercent"] = vm.UsedPercent
	}
	if counts, err := cpu.Counts(true); err == nil {
		data["systemCpuCount"] = counts
	}

	frame, err := wire.Encode(wire.TypeDebugEvent, wire.DebugEventPayload{Data: data})
	if err != nil {
		s.log.Error("diagnostics: encode failed: %v", err)
		return
	}

	for _, sess := range sessions {
		sess.TrySend(frame)
	}
}

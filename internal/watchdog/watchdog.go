// Package watchdog tracks the resident memory of the process against a
// budget derived from the number of active transcriber streams.
package watchdog

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

const (
	// baseBudgetMB covers the process itself, streamBudgetMB each active
	// transcriber pipeline. The sum gets a 20% headroom.
	baseBudgetMB   = 150
	streamBudgetMB = 50
	headroom       = 1.2

	warnRatio     = 0.80
	criticalRatio = 0.95

	checkInterval = 10 * time.Second
)

// StreamCounter reports how many transcriber streams are alive.
type StreamCounter interface {
	ActiveTranscribers() int
}

// Watchdog samples memory usage periodically. When usage exceeds the budget
// it flips OverBudget, which the control plane uses to refuse new work.
type Watchdog struct {
	limitBytes uint64
	counter    StreamCounter
	over       atomic.Bool
	lastRSS    atomic.Uint64
}

// New builds a watchdog with a hard limit in megabytes.
func New(limitMB int, counter StreamCounter) *Watchdog {
	return &Watchdog{
		limitBytes: uint64(limitMB) * 1024 * 1024,
		counter:    counter,
	}
}

// Run samples until the context ends.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// OverBudget reports whether the last sample exceeded the budget.
func (w *Watchdog) OverBudget() bool {
	return w.over.Load()
}

// UsageBytes returns the most recent resident set sample.
func (w *Watchdog) UsageBytes() uint64 {
	return w.lastRSS.Load()
}

func (w *Watchdog) check() {
	rss := residentSetBytes()
	w.lastRSS.Store(rss)

	budget := w.budgetBytes()
	ratio := float64(rss) / float64(budget)

	switch {
	case ratio >= 1.0:
		if !w.over.Swap(true) {
			logger.Base().Error("memory budget exhausted, refusing new transcriptions",
				zap.Uint64("rss_bytes", rss), zap.Uint64("budget_bytes", budget))
		}
		return
	case ratio >= criticalRatio:
		logger.Base().Error("memory usage critical",
			zap.Uint64("rss_bytes", rss), zap.Uint64("budget_bytes", budget))
	case ratio >= warnRatio:
		logger.Base().Warn("memory usage high",
			zap.Uint64("rss_bytes", rss), zap.Uint64("budget_bytes", budget))
	}

	if w.over.Swap(false) {
		logger.Base().Info("memory usage back within budget",
			zap.Uint64("rss_bytes", rss), zap.Uint64("budget_bytes", budget))
	}
}

// budgetBytes scales with the active streams but never exceeds the hard
// limit.
func (w *Watchdog) budgetBytes() uint64 {
	streams := 0
	if w.counter != nil {
		streams = w.counter.ActiveTranscribers()
	}
	budget := uint64(float64(baseBudgetMB+streamBudgetMB*streams) * headroom * 1024 * 1024)
	if budget > w.limitBytes {
		return w.limitBytes
	}
	return budget
}

// residentSetBytes reads VmRSS from /proc, falling back to the Go heap on
// systems without procfs.
func residentSetBytes() uint64 {
	if rss, ok := procRSS(); ok {
		return rss
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Sys
}

func procRSS() (uint64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

package dw4core

import (
	"context"
	"time"
)

// runFlushLoop wakes every interval and flushes every mounted drive
// in slot order, logging (never failing) on error, until ctx is
// canceled (component I, §4.I, §5). It runs on its own goroutine,
// independent of the dispatcher goroutine, synchronized only through
// each VirtualDrive's own mutex.
func runFlushLoop(ctx context.Context, interval time.Duration, drivesFn func() [4]*VirtualDrive, status *StatusSurface, metrics Metrics) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i, dr := range drivesFn() {
			if dr == nil {
				continue
			}
			if err := dr.Flush(); err != nil {
				metrics.IncrementFlushErrors()
				status.Log("flush: drive %d: %v", i, err)
			}
		}
	}
}

package conflict

import (
	"context"
	"time"
)

// ScheduleScans runs Scan every interval until ctx is done. A scan that is
// interrupted resumes from its checkpoint on the next tick.
func (d *Detector) ScheduleScans(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	resume := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := d.Scan(ctx, ScanOptions{ResumeFrom: resume, Actor: "scheduler"})
			if err != nil {
				d.Log.Error("scheduled conflict scan failed", "error", err)
				continue
			}
			resume = 0
			if report.Cancelled {
				resume = report.Checkpoint
			}
		}
	}
}

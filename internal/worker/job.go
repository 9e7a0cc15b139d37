package worker

import "time"

// Job asks a worker to run one probe cycle for a target.
type Job struct {
	TargetID     string
	ScheduledFor time.Time
}

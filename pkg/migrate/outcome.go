package migrate

import "time"

// Outcome is the terminal state of one subvolume within a run.
type Outcome string

const (
	Migrated Outcome = "migrated"
	Failed   Outcome = "failed"
	Skipped  Outcome = "skipped"
)

// Result records what happened to a single subvolume. Reason is set for
// Failed and Skipped outcomes.
type Result struct {
	Name      string
	Outcome   Outcome
	Reason    string
	BytesSent int64
	Duration  time.Duration
}

// RunSummary aggregates a whole migration run. Counts are derived from the
// per-subvolume results, so total == migrated + failed + skipped always
// holds.
type RunSummary struct {
	RunID       string
	Source      string
	Destination string
	StartedAt   time.Time
	FinishedAt  time.Time
	Results     []Result
}

func (s *RunSummary) Total() int {
	return len(s.Results)
}

func (s *RunSummary) Count(o Outcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

func (s *RunSummary) Migrated() int { return s.Count(Migrated) }
func (s *RunSummary) Failed() int   { return s.Count(Failed) }
func (s *RunSummary) Skipped() int  { return s.Count(Skipped) }

// BytesSent returns the total stream bytes sent across all subvolumes.
func (s *RunSummary) BytesSent() int64 {
	var n int64
	for _, r := range s.Results {
		n += r.BytesSent
	}
	return n
}

// Ok reports whether the run succeeded. Failures fail the run; skips do
// not.
func (s *RunSummary) Ok() bool {
	return s.Failed() == 0
}

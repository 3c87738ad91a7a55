package compressor

import (
	"sort"
	"time"

	apperrors "bulk-squeeze/internal/errors"
	"bulk-squeeze/internal/statistics"

	"github.com/google/uuid"
)

// seal builds the immutable Batch from the per-task slots. Failed tasks are
// excluded from Outcomes and listed in Failures in input order.
func seal(quality int, outcomes []*Outcome, failures []*apperrors.TaskFailure, started time.Time, stats *statistics.Statistics) *Batch {
	b := &Batch{
		ID:        uuid.New().String(),
		Quality:   quality,
		Outcomes:  make([]Outcome, 0, len(outcomes)),
		StartedAt: started,
		Stats:     stats,
	}
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		b.Outcomes = append(b.Outcomes, *o)
		b.TotalOriginalSize += o.OriginalSize
		b.TotalEncodedSize += o.EncodedSize
	}
	for _, f := range failures {
		if f != nil {
			b.Failures = append(b.Failures, f)
		}
	}

	rank(b.Outcomes)
	b.PercentSaved = percentage(b.TotalOriginalSize, b.TotalEncodedSize)
	b.FinishedAt = time.Now()
	return b
}

// rank orders outcomes by compression percentage, best first. Ties keep
// input order.
func rank(outcomes []Outcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		if outcomes[i].CompressionPercentage != outcomes[j].CompressionPercentage {
			return outcomes[i].CompressionPercentage > outcomes[j].CompressionPercentage
		}
		return outcomes[i].Index < outcomes[j].Index
	})
}

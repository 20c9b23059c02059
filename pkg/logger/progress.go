package logger

import (
	"fmt"
	"sync"
	"time"
)

// BatchTracker tracks progress of an import batch: how many records were
// processed and how the matcher classified them. Safe for concurrent use by
// the scoring workers.
type BatchTracker struct {
	logger      Logger
	batch       string
	total       int64
	processed   int64
	matched     int64
	unmatched   int64
	ambiguous   int64
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	mutex       sync.Mutex
}

// NewBatchTracker creates a tracker for an import batch of the given size.
func NewBatchTracker(batch string, total int64, log Logger) *BatchTracker {
	if log == nil {
		log = GetGlobalLogger()
	}

	t := &BatchTracker{
		logger:      log.WithComponent("import"),
		batch:       batch,
		total:       total,
		startTime:   time.Now(),
		lastLogTime: time.Now(),
		logInterval: 5 * time.Second,
	}

	t.logger.WithFields(Fields{
		"batch": batch,
		"total": total,
	}).Info("Starting import batch")

	return t
}

// Matched records a movement that was reconciled against a document.
func (t *BatchTracker) Matched() {
	t.advance(func() { t.matched++ })
}

// Unmatched records a movement left in the review queue with no candidate.
func (t *BatchTracker) Unmatched() {
	t.advance(func() { t.unmatched++ })
}

// Ambiguous records a movement with multiple equally strong candidates.
func (t *BatchTracker) Ambiguous() {
	t.advance(func() { t.ambiguous++ })
}

func (t *BatchTracker) advance(bump func()) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	bump()
	t.processed++

	now := time.Now()
	if now.Sub(t.lastLogTime) >= t.logInterval {
		t.logProgress(now)
		t.lastLogTime = now
	}
}

// Complete logs final statistics for the batch.
func (t *BatchTracker) Complete() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	duration := time.Since(t.startTime)
	rate := 0.0
	if duration.Seconds() > 0 {
		rate = float64(t.processed) / duration.Seconds()
	}

	t.logger.WithFields(Fields{
		"batch":     t.batch,
		"processed": t.processed,
		"matched":   t.matched,
		"unmatched": t.unmatched,
		"ambiguous": t.ambiguous,
		"duration":  duration.String(),
		"rate":      fmt.Sprintf("%.2f/sec", rate),
	}).Info("Import batch completed")
}

func (t *BatchTracker) logProgress(now time.Time) {
	fields := Fields{
		"batch":     t.batch,
		"processed": t.processed,
		"matched":   t.matched,
	}

	if t.total > 0 {
		fields["total"] = t.total
		fields["percentage"] = fmt.Sprintf("%.1f%%", float64(t.processed)/float64(t.total)*100)
	}

	t.logger.WithFields(fields).Info("Import progress")
}

// TimedOperation executes a function and logs its outcome with timing.
func TimedOperation(operation string, log Logger, fn func() error) error {
	if log == nil {
		log = GetGlobalLogger()
	}
	log = log.WithField("operation", operation)

	start := time.Now()
	err := fn()
	duration := time.Since(start)

	if err != nil {
		log.WithError(err).WithField("duration", duration.String()).Error("Operation failed")
	} else {
		log.WithField("duration", duration.String()).Info("Operation completed")
	}

	return err
}

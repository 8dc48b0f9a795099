package activitypub

import (
	"context"
	"log"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

const (
	retryBatchSize   = 100
	cleanupBatchSize = 1000

	defaultStaleAfter = 5 * time.Minute
)

// runEvery calls f once per interval until ctx is cancelled
func runEvery(ctx context.Context, interval time.Duration, f func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f(ctx)
		}
	}
}

// DeliveryRetryJob re-enqueues Failed deliveries whose backoff has elapsed,
// and Pending or Processing deliveries whose queue message was lost
type DeliveryRetryJob struct {
	db         Database
	queue      *QueueService
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewDeliveryRetryJob(db Database, queue *QueueService, interval, staleAfter time.Duration) *DeliveryRetryJob {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &DeliveryRetryJob{
		db:         db,
		queue:      queue,
		interval:   interval,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately, then every interval until ctx is cancelled
func (j *DeliveryRetryJob) Run(ctx context.Context) {
	log.Printf("RetryJob: Running every %s, requeueing deliveries idle for %s", j.interval, j.staleAfter)
	j.RunOnce(ctx)
	runEvery(ctx, j.interval, func(ctx context.Context) { j.RunOnce(ctx) })
}

// RunOnce performs a single sweep and returns how many records were re-enqueued
func (j *DeliveryRetryJob) RunOnce(ctx context.Context) int {
	now := j.now()
	records, err := j.db.ReadRetryableDeliveries(now, retryBatchSize)
	if err != nil {
		log.Printf("RetryJob: Failed to read retryable deliveries: %v", err)
		return 0
	}
	stale, err := j.db.ReadStaleDeliveries(now.Add(-j.staleAfter), retryBatchSize)
	if err != nil {
		log.Printf("RetryJob: Failed to read stale deliveries: %v", err)
	}
	records = append(records, stale...)
	if len(records) == 0 {
		return 0
	}

	requeued := 0
	for i := range records {
		rec := &records[i]
		previous := rec.Status
		rec.Status = domain.DeliveryPending
		if err := j.db.UpdateDeliveryRecord(rec); err != nil {
			log.Printf("RetryJob: Failed to reset delivery %s: %v", rec.Id, err)
			continue
		}
		err := j.queue.Enqueue(ctx, rec.Id, rec.ActivityId, rec.ActivityType, rec.ActivityBody, rec.ActorURI, rec.InboxURI)
		if err != nil {
			log.Printf("RetryJob: Failed to enqueue delivery %s: %v", rec.Id, err)
			rec.Status = previous
			if err := j.db.UpdateDeliveryRecord(rec); err != nil {
				log.Printf("RetryJob: Failed to restore delivery %s: %v", rec.Id, err)
			}
			continue
		}
		requeued++
	}
	log.Printf("RetryJob: Re-enqueued %d of %d deliveries (%d stale)", requeued, len(records), len(stale))
	return requeued
}

// DeliveryCleanupJob purges terminal delivery records past the retention window
type DeliveryCleanupJob struct {
	db        Database
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewDeliveryCleanupJob(db Database, interval, retention time.Duration) *DeliveryCleanupJob {
	return &DeliveryCleanupJob{
		db:        db,
		interval:  interval,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled
func (j *DeliveryCleanupJob) Run(ctx context.Context) {
	log.Printf("CleanupJob: Running every %s, keeping %s", j.interval, j.retention)
	runEvery(ctx, j.interval, func(ctx context.Context) { j.RunOnce(ctx) })
}

// RunOnce deletes one batch and returns how many records were removed
func (j *DeliveryCleanupJob) RunOnce(ctx context.Context) int {
	ids, err := j.db.ReadExpiredDeliveryIds(j.now().Add(-j.retention), cleanupBatchSize)
	if err != nil {
		log.Printf("CleanupJob: Failed to read expired deliveries: %v", err)
		return 0
	}
	deleted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := j.db.DeleteDeliveryRecord(id); err != nil {
			log.Printf("CleanupJob: Failed to delete delivery %s: %v", id, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.Printf("CleanupJob: Deleted %d expired delivery records", deleted)
	}
	return deleted
}

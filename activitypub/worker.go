package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

const maxBackoff = 300 * time.Second

// retryableStatus lists the answers worth another attempt
var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Backoff is the wait after the retryCount-th failed attempt
func Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 9 {
		return maxBackoff
	}
	d := time.Duration(1<<(retryCount-1)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

type deliverer interface {
	Post(ctx context.Context, inboxURI, actorURI string, body []byte) (DeliveryResponse, error)
}

// WorkerConfig sizes the delivery worker pool
type WorkerConfig struct {
	Queue          string
	Group          string
	Workers        int
	MaxRetries     int
	RequestTimeout time.Duration
}

// DeliveryWorker consumes delivery jobs and records their outcome
type DeliveryWorker struct {
	db        Database
	broker    Broker
	transport deliverer
	conf      WorkerConfig
	now       func() time.Time
}

func NewDeliveryWorker(db Database, broker Broker, transport deliverer, conf WorkerConfig) *DeliveryWorker {
	if conf.Workers <= 0 {
		conf.Workers = 1
	}
	if conf.RequestTimeout <= 0 {
		conf.RequestTimeout = 10 * time.Second
	}
	return &DeliveryWorker{
		db:        db,
		broker:    broker,
		transport: transport,
		conf:      conf,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WorkerConfigFrom builds a WorkerConfig from the federation settings
func WorkerConfigFrom(f util.FederationConfig) WorkerConfig {
	return WorkerConfig{
		Queue:          f.QueueName,
		Group:          f.ConsumerGroup,
		Workers:        f.DeliveryWorkers,
		MaxRetries:     f.MaxRetries,
		RequestTimeout: f.RequestTimeout(),
	}
}

// Run starts the pool and blocks until ctx is cancelled and every worker returned
func (w *DeliveryWorker) Run(ctx context.Context) {
	host, _ := os.Hostname()
	log.Printf("DeliveryWorker: Starting %d workers on %s", w.conf.Workers, w.conf.Queue)

	var wg sync.WaitGroup
	for i := 0; i < w.conf.Workers; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		go func() {
			defer wg.Done()
			w.consume(ctx, consumer)
		}()
	}
	wg.Wait()
	log.Println("DeliveryWorker: Stopped")
}

func (w *DeliveryWorker) consume(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := w.broker.Receive(ctx, w.conf.Queue, w.conf.Group, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if msg == nil {
				log.Printf("DeliveryWorker: Receive failed: %v", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			log.Printf("DeliveryWorker: Dropping unreadable message %s: %v", msg.ID, err)
			w.ack(msg)
			continue
		}
		if msg == nil {
			continue
		}

		var job DeliveryJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			log.Printf("DeliveryWorker: Dropping malformed job %s: %v", msg.ID, err)
		} else {
			w.ProcessJob(job)
		}
		w.ack(msg)
	}
}

// ack uses its own context so shutdown does not strand a processed message
func (w *DeliveryWorker) ack(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.broker.Ack(ctx, w.conf.Queue, w.conf.Group, msg.ID); err != nil {
		log.Printf("DeliveryWorker: Failed to ack %s: %v", msg.ID, err)
	}
}

// ProcessJob performs one delivery attempt and stores its outcome
func (w *DeliveryWorker) ProcessJob(job DeliveryJob) {
	record, err := w.db.ReadDeliveryRecord(job.DeliveryId)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to load delivery %s: %v", job.DeliveryId, err)
		return
	}
	if record == nil {
		log.Printf("DeliveryWorker: Delivery %s no longer exists, dropping job", job.DeliveryId)
		return
	}
	if record.Status.IsTerminal() {
		return
	}

	now := w.now()
	record.Status = domain.DeliveryProcessing
	record.LastAttemptAt = &now
	if err := w.db.UpdateDeliveryRecord(record); err != nil {
		log.Printf("DeliveryWorker: Failed to mark %s processing: %v", record.Id, err)
	}

	body := record.ActivityBody
	if body == "" {
		body = job.ActivityBody
	}
	actorURI := record.ActorURI
	if actorURI == "" {
		actorURI = job.ActorURI
	}
	inboxURI := record.InboxURI
	if inboxURI == "" {
		inboxURI = job.InboxURI
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), w.conf.RequestTimeout)
	resp, sendErr := w.transport.Post(reqCtx, inboxURI, actorURI, []byte(body))
	cancel()

	switch {
	case sendErr == nil && resp.OK():
		sent := w.now()
		record.Status = domain.DeliverySent
		record.SentAt = &sent
		record.NextRetryAt = nil
		record.ResponseStatusCode = resp.StatusCode
		record.ErrorMessage = ""
		log.Printf("DeliveryWorker: Delivered %s %s to %s (%d)", record.ActivityType, record.ActivityId, inboxURI, resp.StatusCode)
	case sendErr != nil:
		w.fail(record, true, 0, sendErr.Error())
	default:
		w.fail(record, retryableStatus[resp.StatusCode], resp.StatusCode, util.Truncate(resp.Body, 1000))
	}

	if err := w.db.UpdateDeliveryRecord(record); err != nil {
		log.Printf("DeliveryWorker: Failed to store outcome of %s: %v", record.Id, err)
	}
}

func (w *DeliveryWorker) fail(record *domain.DeliveryRecord, retryable bool, status int, message string) {
	record.ResponseStatusCode = status
	record.ErrorMessage = message
	if status != 0 && message == "" {
		record.ErrorMessage = fmt.Sprintf("remote server returned status %d", status)
	}

	if !retryable {
		record.Status = domain.DeliveryExhaustedRetries
		record.NextRetryAt = nil
		log.Printf("DeliveryWorker: Delivery %s to %s failed permanently (%d): %s", record.Id, record.InboxURI, status, record.ErrorMessage)
		return
	}

	record.RetryCount++
	if record.RetryCount >= w.conf.MaxRetries {
		record.Status = domain.DeliveryExhaustedRetries
		record.NextRetryAt = nil
		log.Printf("DeliveryWorker: Giving up on delivery %s to %s after %d attempts", record.Id, record.InboxURI, record.RetryCount)
		return
	}

	next := w.now().Add(Backoff(record.RetryCount))
	record.Status = domain.DeliveryFailed
	record.NextRetryAt = &next
	log.Printf("DeliveryWorker: Delivery %s to %s failed (attempt %d), retry at %s: %s",
		record.Id, record.InboxURI, record.RetryCount, next.Format(time.RFC3339), record.ErrorMessage)
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the lifecycle state of a DeliveryRecord
type DeliveryStatus string

const (
	DeliveryPending          DeliveryStatus = "Pending"
	DeliveryProcessing       DeliveryStatus = "Processing"
	DeliverySent             DeliveryStatus = "Sent"
	DeliveryFailed           DeliveryStatus = "Failed"
	DeliveryExhaustedRetries DeliveryStatus = "ExhaustedRetries"
)

// IsTerminal reports whether no further attempts will be made
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliverySent || s == DeliveryExhaustedRetries
}

// DeliveryRecord tracks one outbound activity to one inbox
type DeliveryRecord struct {
	Id                 uuid.UUID
	ActivityId         string
	ActivityType       string
	ActivityBody       string // serialized JSON, kept for re-enqueueing
	ActorURI           string // local actor signing the request
	InboxURI           string
	TargetActorURI     string
	Status             DeliveryStatus
	RetryCount         int
	LastAttemptAt      *time.Time
	NextRetryAt        *time.Time
	SentAt             *time.Time
	ErrorMessage       string
	ResponseStatusCode int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

package activitypub

import (
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// Database defines the repository operations required by the ActivityPub package.
// Read methods return (nil, nil) when no row matches.
type Database interface {
	// Instance operations
	ReadInstanceByDomain(domain string) (*domain.Instance, error)
	ReadInstanceById(id uuid.UUID) (*domain.Instance, error)
	CreateInstance(inst *domain.Instance) error
	UpdateInstance(inst *domain.Instance) error
	TouchInstance(id uuid.UUID, at time.Time) error

	// Actor operations
	ReadActorByURI(uri string) (*domain.Actor, error)
	ReadActorById(id uuid.UUID) (*domain.Actor, error)
	ReadActorByPublisherId(publisherId uuid.UUID) (*domain.Actor, error)
	CreateActor(actor *domain.Actor) error
	UpdateActor(actor *domain.Actor) error
	TouchActor(id uuid.UUID, at time.Time) error
	SearchActors(query string, limit int) ([]domain.Actor, error)

	// Relationship operations. A negative limit returns every row.
	ReadRelationship(actorId, targetActorId uuid.UUID) (*domain.Relationship, error)
	ReadRelationshipByFollowURI(uri string) (*domain.Relationship, error)
	ReadRelationshipByTarget(targetActorId uuid.UUID, state domain.RelationshipState) (*domain.Relationship, error)
	UpsertRelationship(rel *domain.Relationship) error
	DeleteRelationship(actorId, targetActorId uuid.UUID) error
	ReadFollowers(targetActorId uuid.UUID, limit, offset int) ([]domain.Actor, error)
	CountFollowers(targetActorId uuid.UUID) (int, error)
	ReadFollowing(actorId uuid.UUID, limit, offset int) ([]domain.Actor, error)
	CountFollowing(actorId uuid.UUID) (int, error)

	// Content operations. CreateContent reports false when the URI already exists
	// and bumps the parent's reply counter otherwise.
	ReadContentByURI(uri string) (*domain.Content, error)
	CreateContent(content *domain.Content) (bool, error)
	TouchContent(id uuid.UUID, at time.Time) error
	SoftDeleteContent(id uuid.UUID, at time.Time) error

	// Reaction operations keep like_count consistent with row existence
	ReadReaction(actorId, contentId uuid.UUID, symbol string) (*domain.Reaction, error)
	ReadReactionByURI(uri string) (*domain.Reaction, error)
	AddReaction(reaction *domain.Reaction) (bool, error)
	RemoveReaction(id uuid.UUID) (bool, error)

	// Local publishers and posts
	ReadPublisherById(id uuid.UUID) (*domain.Publisher, error)
	ReadPublisherByName(name string) (*domain.Publisher, error)
	UpdatePublisherKeys(id uuid.UUID, privatePem, publicPem string) error
	ReadPostById(id uuid.UUID) (*domain.Post, error)
	ReadPostsByPublisher(publisherId uuid.UUID, limit, offset int) ([]domain.Post, error)
	CountPostsByPublisher(publisherId uuid.UUID) (int, error)

	// Delivery records
	CreateDeliveryRecord(rec *domain.DeliveryRecord) error
	ReadDeliveryRecord(id uuid.UUID) (*domain.DeliveryRecord, error)
	UpdateDeliveryRecord(rec *domain.DeliveryRecord) error
	ReadRetryableDeliveries(now time.Time, limit int) ([]domain.DeliveryRecord, error)
	ReadStaleDeliveries(before time.Time, limit int) ([]domain.DeliveryRecord, error)
	ReadExpiredDeliveryIds(before time.Time, limit int) ([]uuid.UUID, error)
	DeleteDeliveryRecord(id uuid.UUID) error

	// Inbound activity log
	// ClaimInboxActivity reports false when the activity id is already claimed
	ClaimInboxActivity(activity *domain.InboxActivity) (bool, error)
	DeleteInboxActivity(activityURI string) error
}

// HTTPClient defines the HTTP client operations required by the ActivityPub package.
// This interface allows for dependency injection and testing with mock implementations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient is the default HTTP client used in production
type DefaultHTTPClient struct {
	client *http.Client
}

// NewDefaultHTTPClient creates a new default HTTP client with the specified timeout
func NewDefaultHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	return &DefaultHTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Do executes the HTTP request
func (c *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

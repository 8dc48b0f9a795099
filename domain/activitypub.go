package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActorType is the ActivityStreams actor type
type ActorType string

const (
	ActorPerson  ActorType = "Person"
	ActorService ActorType = "Service"
)

// Actor is a federated identity, local or remote
type Actor struct {
	Id             uuid.UUID
	URI            string // globally unique ActivityPub id
	Type           ActorType
	Username       string
	DisplayName    string
	Bio            string
	InboxURI       string
	OutboxURI      string
	FollowersURI   string
	FollowingURI   string
	FeaturedURI    string
	PublicKeyId    string
	PublicKeyPem   string
	AvatarURL      string
	HeaderURL      string
	IsBot          bool
	IsLocked       bool
	IsDiscoverable bool
	InstanceId     uuid.UUID // uuid.Nil when unknown
	PublisherId    uuid.UUID // uuid.Nil for remote actors
	LastFetchedAt  *time.Time
	LastActivityAt *time.Time
	CreatedAt      time.Time
}

// IsLocal reports whether the actor is backed by a local publisher
func (a *Actor) IsLocal() bool {
	return a.PublisherId != uuid.Nil
}

// Instance is a remote server, keyed by domain
type Instance struct {
	Id             uuid.UUID
	Domain         string
	Name           string
	Software       string
	Version        string
	IsBlocked      bool
	IsSilenced     bool
	BlockReason    string
	LastFetchedAt  *time.Time
	LastActivityAt *time.Time
	CreatedAt      time.Time
}

// RelationshipState is the state of a follow edge
type RelationshipState string

const (
	RelationshipPending  RelationshipState = "Pending"
	RelationshipAccepted RelationshipState = "Accepted"
	RelationshipRejected RelationshipState = "Rejected"
)

// Relationship is a directed follow edge. ActorId follows TargetActorId.
type Relationship struct {
	Id             uuid.UUID
	ActorId        uuid.UUID // the follower
	TargetActorId  uuid.UUID // the followee
	State          RelationshipState
	FollowURI      string // id of the Follow activity, empty if unknown
	IsFollowing    bool
	IsFollowedBy   bool // the reverse edge is also accepted
	FollowedAt     *time.Time
	FollowedBackAt *time.Time // when the followee accepted
	RejectReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InboxActivity records an inbound activity id once it has been processed
type InboxActivity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	CreatedAt    time.Time
}

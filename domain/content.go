package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContentType is the markup of a mirrored post body
type ContentType string

const (
	ContentTypeHTML     ContentType = "text/html"
	ContentTypeMarkdown ContentType = "text/markdown"
)

// Content is the local mirror of a federated post
type Content struct {
	Id           uuid.UUID
	URI          string // FediverseUri, unique
	Type         string // Note, Article, ...
	Title        string
	Summary      string
	Body         string
	ContentType  ContentType
	Language     string
	InReplyToURI string
	IsSensitive  bool
	Attachments  []Attachment
	Mentions     []Mention
	Meta         map[string]any
	ActorId      uuid.UUID
	InstanceId   uuid.UUID
	PostId       uuid.UUID // uuid.Nil unless linked to a local post
	RepliesCount int
	BoostCount   int
	LikeCount    int
	PublishedAt  *time.Time
	EditedAt     *time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
	CreatedAt    time.Time
}

// IsDeleted reports whether the content carries a tombstone
func (c *Content) IsDeleted() bool {
	return c.DeletedAt != nil
}

// ContentCounter names one of the engagement counters on a Content row
type ContentCounter string

const (
	CounterReplies ContentCounter = "replies_count"
	CounterBoosts  ContentCounter = "boost_count"
	CounterLikes   ContentCounter = "like_count"
)

// Attachment is a media item attached to a post
type Attachment struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Blurhash  string `json:"blurhash,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Mention is an @user@domain reference parsed from a post's tags
type Mention struct {
	Username string `json:"username"`
	Domain   string `json:"domain,omitempty"`
	ActorURI string `json:"actorUri"`
}

// ReactionType is the kind of a reaction
type ReactionType string

const (
	ReactionLike    ReactionType = "Like"
	ReactionEmoji   ReactionType = "Emoji"
	ReactionDislike ReactionType = "Dislike"

	// ReactionAnnounce records a boost so that an Undo only reverts a boost that happened
	ReactionAnnounce ReactionType = "Announce"
)

// Counter is the content counter a reaction of this type contributes to
func (t ReactionType) Counter() ContentCounter {
	if t == ReactionAnnounce {
		return CounterBoosts
	}
	return CounterLikes
}

const (
	// DefaultReactionSymbol is used for plain Like activities without emoji content
	DefaultReactionSymbol = "like"

	// AnnounceSymbol keys the single boost an actor can hold on a content item
	AnnounceSymbol = "announce"
)

// Reaction is a like or emoji reaction on a content item
type Reaction struct {
	Id        uuid.UUID
	URI       string
	Type      ReactionType
	Symbol    string
	IsLocal   bool
	ContentId uuid.UUID
	ActorId   uuid.UUID
	CreatedAt time.Time
}

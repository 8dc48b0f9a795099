package domain

import (
	"time"

	"github.com/google/uuid"
)

// Publisher is a local identity that authors posts
type Publisher struct {
	Id            uuid.UUID
	Name          string // handle, unique
	Nick          string // display name
	Bio           string
	AvatarURL     string
	HeaderURL     string
	PrivateKeyPem string
	PublicKeyPem  string
	CreatedAt     time.Time
}

// PostType selects the ActivityStreams object a post renders to
type PostType string

const (
	PostMoment  PostType = "moment"
	PostArticle PostType = "article"
)

// PostAttachment is a file attached to a local post
type PostAttachment struct {
	Id       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	MimeType string    `json:"mimeType"`
	URL      string    `json:"url,omitempty"`
}

// Post is a locally authored content item
type Post struct {
	Id              uuid.UUID
	PublisherId     uuid.UUID
	Type            PostType
	Title           string
	Description     string
	Content         string // markdown
	Tags            []string
	Attachments     []PostAttachment
	RepliedPostId   uuid.UUID
	ForwardedPostId uuid.UUID
	FediverseURI    string // set when the post mirrors remote content
	PublishedAt     time.Time
	EditedAt        *time.Time
	CreatedAt       time.Time
}

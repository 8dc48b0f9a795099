package activitypub

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

const emptyPostPlaceholder = "Shared media"

// ObjectFactory renders local posts and publishers as ActivityStreams objects
type ObjectFactory struct {
	db   Database
	urls URLs
}

// NewObjectFactory creates an ObjectFactory for the given local domain
func NewObjectFactory(db Database, localDomain string) *ObjectFactory {
	return &ObjectFactory{db: db, urls: URLs{Domain: localDomain}}
}

// postMarkdown joins title, description, body and hashtags into one markdown source
func postMarkdown(post *domain.Post) string {
	var parts []string
	if t := strings.TrimSpace(post.Title); t != "" {
		parts = append(parts, "# "+t)
	}
	if d := strings.TrimSpace(post.Description); d != "" {
		parts = append(parts, d)
	}
	if c := strings.TrimSpace(post.Content); c != "" {
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		parts = append(parts, emptyPostPlaceholder)
	}
	if tags := hashtags(post.Tags); len(tags) > 0 {
		parts = append(parts, strings.Join(tags, " "))
	}
	return strings.Join(parts, "\n\n")
}

func hashtags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t == "" {
			continue
		}
		out = append(out, "#"+t)
	}
	return out
}

// postURI returns the IRI other servers know a post by
func (f *ObjectFactory) postURI(post *domain.Post) string {
	if post.FediverseURI != "" {
		return post.FediverseURI
	}
	return f.urls.Post(post.Id)
}

// BuildNoteOrArticle renders post as a Note (moments) or Article attributed to actorURL
func (f *ObjectFactory) BuildNoteOrArticle(post *domain.Post, actorURL string) (Document, error) {
	html, err := util.RenderMarkdown(postMarkdown(post))
	if err != nil {
		return nil, fmt.Errorf("failed to render post %s: %w", post.Id, err)
	}

	objectType := "Note"
	if post.Type == domain.PostArticle {
		objectType = "Article"
	}

	id := f.urls.Post(post.Id)
	cc := []any{actorURL + "/followers"}
	obj := Document{
		"id":           id,
		"type":         objectType,
		"url":          id,
		"attributedTo": actorURL,
		"content":      html,
		"mediaType":    "text/html",
		"published":    post.PublishedAt.UTC().Format(time.RFC3339),
		"to":           []any{PublicAddress},
		"sensitive":    false,
	}
	if objectType == "Article" && post.Title != "" {
		obj["name"] = post.Title
	}
	if post.EditedAt != nil {
		obj["updated"] = post.EditedAt.UTC().Format(time.RFC3339)
	}

	if post.RepliedPostId != uuid.Nil {
		replied, err := f.db.ReadPostById(post.RepliedPostId)
		if err != nil {
			return nil, err
		}
		if replied != nil {
			obj["inReplyTo"] = f.postURI(replied)
			if followers := f.authorFollowers(replied); followers != "" && followers != cc[0] {
				cc = append(cc, followers)
			}
		}
	}
	if post.ForwardedPostId != uuid.Nil {
		forwarded, err := f.db.ReadPostById(post.ForwardedPostId)
		if err != nil {
			return nil, err
		}
		if forwarded != nil {
			obj["quoteUri"] = f.postURI(forwarded)
		}
	}
	obj["cc"] = cc

	if len(post.Attachments) > 0 {
		attachments := make([]any, 0, len(post.Attachments))
		for _, a := range post.Attachments {
			u := a.URL
			if u == "" {
				u = f.urls.Asset(a.Id)
			}
			attachments = append(attachments, map[string]any{
				"type":      "Document",
				"mediaType": a.MimeType,
				"url":       u,
				"name":      a.Name,
			})
		}
		obj["attachment"] = attachments
	}

	if tags := hashtags(post.Tags); len(tags) > 0 {
		tagObjs := make([]any, 0, len(tags))
		for _, t := range tags {
			tagObjs = append(tagObjs, map[string]any{
				"type": "Hashtag",
				"name": t,
				"href": fmt.Sprintf("https://%s/tags/%s", f.urls.Domain, strings.TrimPrefix(t, "#")),
			})
		}
		obj["tag"] = tagObjs
	}
	return obj, nil
}

// authorFollowers returns the followers collection of whoever wrote post
func (f *ObjectFactory) authorFollowers(post *domain.Post) string {
	if post.FediverseURI == "" {
		publisher, err := f.db.ReadPublisherById(post.PublisherId)
		if err != nil || publisher == nil {
			return ""
		}
		return f.urls.Followers(publisher.Name)
	}
	content, err := f.db.ReadContentByURI(post.FediverseURI)
	if err != nil || content == nil {
		return ""
	}
	author, err := f.db.ReadActorById(content.ActorId)
	if err != nil || author == nil {
		return ""
	}
	return author.FollowersURI
}

// WrapCreate wraps a rendered object in the Create activity an outbox lists
func WrapCreate(obj Document, actorURL string) Document {
	return Document{
		"@context":  ActivityStreamsContext,
		"id":        obj.String("id") + "/activity",
		"type":      "Create",
		"actor":     actorURL,
		"published": obj["published"],
		"to":        obj["to"],
		"cc":        obj["cc"],
		"object":    obj,
	}
}

// BuildActorDocument renders a publisher's actor as served at its actor IRI
func (f *ObjectFactory) BuildActorDocument(publisher *domain.Publisher) Document {
	name := publisher.Name
	actorURL := f.urls.Actor(name)

	displayName := publisher.Nick
	if displayName == "" {
		displayName = name
	}
	summary := ""
	if publisher.Bio != "" {
		if html, err := util.RenderMarkdown(publisher.Bio); err == nil {
			summary = html
		} else {
			log.Printf("Outbox: Failed to render bio of %s: %v", name, err)
		}
	}

	doc := Document{
		"@context":                  []any{ActivityStreamsContext, SecurityContext},
		"id":                        actorURL,
		"type":                      string(domain.ActorPerson),
		"preferredUsername":         name,
		"name":                      displayName,
		"summary":                   summary,
		"url":                       f.urls.Profile(name),
		"inbox":                     f.urls.Inbox(name),
		"outbox":                    f.urls.Outbox(name),
		"followers":                 f.urls.Followers(name),
		"following":                 f.urls.Following(name),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"published":                 publisher.CreatedAt.UTC().Format(time.RFC3339),
		"endpoints":                 map[string]any{"sharedInbox": f.urls.SharedInbox()},
		"publicKey": map[string]any{
			"id":           f.urls.KeyId(name),
			"owner":        actorURL,
			"publicKeyPem": publisher.PublicKeyPem,
		},
	}
	if publisher.AvatarURL != "" {
		doc["icon"] = map[string]any{"type": "Image", "url": publisher.AvatarURL}
	}
	if publisher.HeaderURL != "" {
		doc["image"] = map[string]any{"type": "Image", "url": publisher.HeaderURL}
	}
	return doc
}

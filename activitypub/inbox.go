package activitypub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

type signatureVerifier interface {
	VerifyIncoming(ctx context.Context, r *http.Request, body []byte) (string, error)
	ForgetKey(actorURI string)
}

// followResponder is the outbound side the inbox needs
type followResponder interface {
	EnsureLocalActor(publisher *domain.Publisher) (*domain.Actor, error)
	SendAccept(ctx context.Context, local, follower *domain.Actor, follow Document) error
}

// inboundActivity is a verified activity and its resolved sender
type inboundActivity struct {
	doc   Document
	id    string
	typ   string
	actor *domain.Actor
}

type handlerFunc func(ctx context.Context, a *inboundActivity) error

// ActivityProcessor verifies inbound activities and applies them to local state
type ActivityProcessor struct {
	db         Database
	signatures signatureVerifier
	resolver   actorResolver
	outbound   followResponder
	urls       URLs
	handlers   map[string]handlerFunc
	now        func() time.Time
}

func NewActivityProcessor(db Database, signatures signatureVerifier, resolver actorResolver, outbound followResponder, localDomain string) *ActivityProcessor {
	p := &ActivityProcessor{
		db:         db,
		signatures: signatures,
		resolver:   resolver,
		outbound:   outbound,
		urls:       URLs{Domain: localDomain},
		now:        func() time.Time { return time.Now().UTC() },
	}
	p.handlers = map[string]handlerFunc{
		"Follow":     p.handleFollow,
		"Accept":     p.handleAccept,
		"Reject":     p.handleReject,
		"Undo":       p.handleUndo,
		"Create":     p.handleCreate,
		"Like":       p.handleLike,
		"EmojiReact": p.handleLike,
		"Announce":   p.handleAnnounce,
		"Delete":     p.handleDelete,
		"Update":     p.handleUpdate,
	}
	return p
}

func unprocessable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnprocessable, fmt.Sprintf(format, args...))
}

// HandleIncoming verifies and applies one inbox POST. An activity id is
// claimed before it is applied, so a redelivery is acknowledged without
// being applied again even while the first delivery is still running.
func (p *ActivityProcessor) HandleIncoming(ctx context.Context, r *http.Request, body []byte) (err error) {
	doc, err := ParseDocument(body)
	if err != nil {
		log.Printf("Inbox: Failed to parse activity: %v", err)
		return unprocessable("invalid JSON: %v", err)
	}
	activityType := doc.Type()
	activityId := doc.String("id")
	actorURI := doc.ID("actor")
	if activityType == "" || actorURI == "" {
		log.Printf("Inbox: Activity without type or actor: %s", util.Truncate(string(body), 500))
		return unprocessable("type and actor are required")
	}

	if host, err := extractDomain(actorURI); err == nil {
		inst, err := p.db.ReadInstanceByDomain(host)
		if err != nil {
			return err
		}
		if inst != nil && inst.IsBlocked {
			log.Printf("Inbox: Rejected %s from blocked instance %s", activityType, host)
			return fmt.Errorf("%w: %s", ErrInstanceBlocked, host)
		}
	}

	signer, err := p.signatures.VerifyIncoming(ctx, r, body)
	if err != nil {
		log.Printf("Inbox: Signature verification failed for %s from %s: %v", activityType, actorURI, err)
		return err
	}
	if signer != actorURI {
		log.Printf("Inbox: Activity actor %s does not match signer %s", actorURI, signer)
		return fmt.Errorf("%w: actor %s signed by %s", ErrInvalidSignature, actorURI, signer)
	}

	if activityId != "" {
		claimed, claimErr := p.db.ClaimInboxActivity(&domain.InboxActivity{
			Id:           uuid.New(),
			ActivityURI:  activityId,
			ActivityType: activityType,
			ActorURI:     actorURI,
			ObjectURI:    doc.ID("object"),
		})
		if claimErr != nil {
			return claimErr
		}
		if !claimed {
			log.Printf("Inbox: Activity %s already processed", activityId)
			return nil
		}
		defer func() {
			if err == nil {
				return
			}
			if releaseErr := p.db.DeleteInboxActivity(activityId); releaseErr != nil {
				log.Printf("Inbox: Failed to release activity %s: %v", activityId, releaseErr)
			}
		}()
	}

	actor, err := p.resolver.FetchActor(ctx, actorURI)
	if err != nil {
		return unprocessable("cannot resolve actor %s: %v", actorURI, err)
	}
	p.touch(actor)

	handler, ok := p.handlers[activityType]
	if !ok {
		log.Printf("Inbox: Unsupported activity type %s from %s", activityType, actorURI)
		return fmt.Errorf("%w: %s", ErrUnsupportedActivity, activityType)
	}

	log.Printf("Inbox: Received %s from %s", activityType, actorURI)
	a := &inboundActivity{doc: doc, id: activityId, typ: activityType, actor: actor}
	if err := handler(ctx, a); err != nil {
		log.Printf("Inbox: Failed to handle %s %s: %v\n%s", activityType, activityId, err, util.Truncate(string(body), 2000))
		return err
	}
	return nil
}

// touch stamps liveness on the sender and its instance
func (p *ActivityProcessor) touch(actor *domain.Actor) {
	now := p.now()
	if err := p.db.TouchActor(actor.Id, now); err != nil {
		log.Printf("Inbox: Failed to touch actor %s: %v", actor.URI, err)
	}
	if actor.InstanceId != uuid.Nil {
		if err := p.db.TouchInstance(actor.InstanceId, now); err != nil {
			log.Printf("Inbox: Failed to touch instance of %s: %v", actor.URI, err)
		}
	}
}

// localActor resolves uri to the actor of a local publisher, or nil
func (p *ActivityProcessor) localActor(uri string) (*domain.Actor, error) {
	if uri == "" {
		return nil, nil
	}
	actor, err := p.db.ReadActorByURI(uri)
	if err != nil {
		return nil, err
	}
	if actor != nil {
		if actor.IsLocal() {
			return actor, nil
		}
		return nil, nil
	}
	name := p.urls.ActorName(uri)
	if name == "" {
		return nil, nil
	}
	publisher, err := p.db.ReadPublisherByName(name)
	if err != nil || publisher == nil {
		return nil, err
	}
	return p.outbound.EnsureLocalActor(publisher)
}

func (p *ActivityProcessor) handleFollow(ctx context.Context, a *inboundActivity) error {
	objectURI := a.doc.ID("object")
	if objectURI == "" {
		return unprocessable("Follow without object")
	}
	target, err := p.localActor(objectURI)
	if err != nil {
		return err
	}
	if target == nil {
		return unprocessable("Follow target %s is not a local actor", objectURI)
	}

	existing, err := p.db.ReadRelationship(a.actor.Id, target.Id)
	if err != nil {
		return err
	}
	if existing != nil && existing.State == domain.RelationshipAccepted {
		log.Printf("Inbox: %s already follows %s", a.actor.URI, target.URI)
		return nil
	}

	now := p.now()
	rel := &domain.Relationship{
		ActorId:        a.actor.Id,
		TargetActorId:  target.Id,
		State:          domain.RelationshipAccepted,
		FollowURI:      a.id,
		FollowedAt:     &now,
		FollowedBackAt: &now,
	}
	if existing != nil {
		rel.Id = existing.Id
		rel.CreatedAt = existing.CreatedAt
		if existing.FollowedAt != nil {
			rel.FollowedAt = existing.FollowedAt
		}
	}
	if err := p.db.UpsertRelationship(rel); err != nil {
		return err
	}

	if err := p.outbound.SendAccept(ctx, target, a.actor, a.doc); err != nil {
		return fmt.Errorf("failed to queue Accept: %w", err)
	}
	log.Printf("Inbox: Accepted follow from %s to %s", a.actor.URI, target.URI)
	return nil
}

// outgoingFollow finds the edge from a local actor to a.actor that an
// Accept or Reject answers.
func (p *ActivityProcessor) outgoingFollow(a *inboundActivity) (*domain.Relationship, *domain.Actor, error) {
	if rel, err := p.db.ReadRelationshipByFollowURI(a.doc.ID("object")); err != nil || rel != nil {
		if rel != nil && rel.TargetActorId != a.actor.Id {
			return nil, nil, unprocessable("%s answered a follow addressed to someone else", a.actor.URI)
		}
		return rel, nil, err
	}

	var local *domain.Actor
	if follow := a.doc.Object("object"); follow != nil {
		var err error
		if local, err = p.localActor(follow.ID("actor")); err != nil {
			return nil, nil, err
		}
	}
	if local == nil {
		var err error
		if local, err = p.localActor(a.doc.ID("object")); err != nil {
			return nil, nil, err
		}
	}
	if local != nil {
		rel, err := p.db.ReadRelationship(local.Id, a.actor.Id)
		return rel, local, err
	}

	rel, err := p.db.ReadRelationshipByTarget(a.actor.Id, domain.RelationshipPending)
	return rel, nil, err
}

func (p *ActivityProcessor) handleAccept(ctx context.Context, a *inboundActivity) error {
	rel, local, err := p.outgoingFollow(a)
	if err != nil {
		return err
	}
	now := p.now()
	if rel == nil {
		if local == nil {
			return unprocessable("Accept from %s matches no follow", a.actor.URI)
		}
		rel = &domain.Relationship{
			ActorId:       local.Id,
			TargetActorId: a.actor.Id,
			FollowedAt:    &now,
		}
	}
	if rel.State == domain.RelationshipAccepted {
		return nil
	}
	rel.State = domain.RelationshipAccepted
	rel.FollowedBackAt = &now
	rel.RejectReason = ""
	if err := p.db.UpsertRelationship(rel); err != nil {
		return err
	}
	log.Printf("Inbox: %s accepted a follow", a.actor.URI)
	return nil
}

func (p *ActivityProcessor) handleReject(ctx context.Context, a *inboundActivity) error {
	rel, _, err := p.outgoingFollow(a)
	if err != nil {
		return err
	}
	if rel == nil {
		rel, err = p.db.ReadRelationshipByTarget(a.actor.Id, "")
		if err != nil {
			return err
		}
	}
	if rel == nil {
		return unprocessable("Reject from %s matches no follow", a.actor.URI)
	}
	reason := a.doc.String("summary")
	if reason == "" {
		reason = "rejected by " + a.actor.URI
	}
	rel.State = domain.RelationshipRejected
	rel.RejectReason = reason
	if err := p.db.UpsertRelationship(rel); err != nil {
		return err
	}
	log.Printf("Inbox: %s rejected a follow: %s", a.actor.URI, reason)
	return nil
}

func (p *ActivityProcessor) handleUndo(ctx context.Context, a *inboundActivity) error {
	inner := a.doc.Object("object")
	if inner == nil || inner.Type() == "" {
		return unprocessable("Undo requires an embedded object with a type")
	}
	if owner := inner.ID("actor"); owner != "" && owner != a.actor.URI {
		return unprocessable("%s cannot undo an activity of %s", a.actor.URI, owner)
	}

	switch inner.Type() {
	case "Follow":
		return p.undoFollow(a, inner)
	case "Like", "EmojiReact":
		symbol, _ := reactionSymbol(inner)
		return p.undoReaction(a, inner, symbol)
	case "Announce":
		return p.undoReaction(a, inner, domain.AnnounceSymbol)
	default:
		log.Printf("Inbox: Cannot undo %s from %s", inner.Type(), a.actor.URI)
		return fmt.Errorf("%w: Undo of %s", ErrUnsupportedActivity, inner.Type())
	}
}

func (p *ActivityProcessor) undoFollow(a *inboundActivity, follow Document) error {
	rel, err := p.db.ReadRelationshipByFollowURI(follow.String("id"))
	if err != nil {
		return err
	}
	if rel == nil || rel.ActorId != a.actor.Id {
		target, err := p.localActor(follow.ID("object"))
		if err != nil || target == nil {
			return err
		}
		if rel, err = p.db.ReadRelationship(a.actor.Id, target.Id); err != nil {
			return err
		}
	}
	if rel == nil {
		return nil
	}
	if err := p.db.DeleteRelationship(rel.ActorId, rel.TargetActorId); err != nil {
		return err
	}
	log.Printf("Inbox: %s unfollowed", a.actor.URI)
	return nil
}

// undoReaction removes the reaction of a.actor that inner created. Nothing
// changes when the actor holds no such reaction.
func (p *ActivityProcessor) undoReaction(a *inboundActivity, inner Document, symbol string) error {
	reaction, err := p.db.ReadReactionByURI(inner.String("id"))
	if err != nil {
		return err
	}
	boost := symbol == domain.AnnounceSymbol
	if reaction == nil || reaction.ActorId != a.actor.Id || (reaction.Type == domain.ReactionAnnounce) != boost {
		content, err := p.db.ReadContentByURI(inner.ID("object"))
		if err != nil || content == nil {
			return err
		}
		if reaction, err = p.db.ReadReaction(a.actor.Id, content.Id, symbol); err != nil {
			return err
		}
	}
	if reaction == nil {
		log.Printf("Inbox: %s has no %s to undo", a.actor.URI, inner.Type())
		return nil
	}
	_, err = p.db.RemoveReaction(reaction.Id)
	return err
}

// reactionSymbol maps a Like or EmojiReact to its stored symbol
func reactionSymbol(doc Document) (string, domain.ReactionType) {
	symbol := strings.TrimSpace(doc.String("content"))
	if symbol == "" {
		symbol = strings.TrimSpace(doc.String("_misskey_reaction"))
	}
	if symbol == "" {
		return domain.DefaultReactionSymbol, domain.ReactionLike
	}
	return symbol, domain.ReactionEmoji
}

func (p *ActivityProcessor) handleLike(ctx context.Context, a *inboundActivity) error {
	objectURI := a.doc.ID("object")
	content, err := p.db.ReadContentByURI(objectURI)
	if err != nil {
		return err
	}
	if content == nil {
		return unprocessable("liked content %s is unknown", objectURI)
	}

	symbol, reactionType := reactionSymbol(a.doc)
	existing, err := p.db.ReadReaction(a.actor.Id, content.Id, symbol)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = p.db.AddReaction(&domain.Reaction{
		Id:        uuid.New(),
		URI:       a.id,
		Type:      reactionType,
		Symbol:    symbol,
		ContentId: content.Id,
		ActorId:   a.actor.Id,
	})
	return err
}

// handleAnnounce records one boost per actor and content item
func (p *ActivityProcessor) handleAnnounce(ctx context.Context, a *inboundActivity) error {
	content, err := p.db.ReadContentByURI(a.doc.ID("object"))
	if err != nil || content == nil {
		return err
	}
	_, err = p.db.AddReaction(&domain.Reaction{
		Id:        uuid.New(),
		URI:       a.id,
		Type:      domain.ReactionAnnounce,
		Symbol:    domain.AnnounceSymbol,
		ContentId: content.Id,
		ActorId:   a.actor.Id,
	})
	return err
}

func (p *ActivityProcessor) handleDelete(ctx context.Context, a *inboundActivity) error {
	objectURI := a.doc.ID("object")
	if objectURI == "" {
		return unprocessable("Delete without object")
	}
	if objectURI == a.actor.URI {
		log.Printf("Inbox: %s deleted itself, keeping the actor record", a.actor.URI)
		return nil
	}

	content, err := p.db.ReadContentByURI(objectURI)
	if err != nil || content == nil {
		return err
	}
	if content.ActorId != a.actor.Id {
		return unprocessable("%s cannot delete content of another actor", a.actor.URI)
	}
	if content.IsDeleted() {
		return nil
	}
	return p.db.SoftDeleteContent(content.Id, p.now())
}

var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

func (p *ActivityProcessor) handleUpdate(ctx context.Context, a *inboundActivity) error {
	objectURI := a.doc.ID("object")
	if objectURI == "" {
		return unprocessable("Update without object")
	}

	if obj := a.doc.Object("object"); obj != nil && actorTypes[obj.Type()] {
		if objectURI != a.actor.URI {
			return unprocessable("%s cannot update actor %s", a.actor.URI, objectURI)
		}
		p.signatures.ForgetKey(objectURI)
		_, err := p.resolver.RefreshActor(ctx, objectURI)
		return err
	}

	content, err := p.db.ReadContentByURI(objectURI)
	if err != nil || content == nil {
		return err
	}
	if content.ActorId != a.actor.Id {
		return unprocessable("%s cannot update content of another actor", a.actor.URI)
	}
	at := p.now()
	if obj := a.doc.Object("object"); obj != nil {
		if updated := obj.Time("updated"); updated != nil {
			at = *updated
		}
	}
	return p.db.TouchContent(content.Id, at)
}

var contentTypes = map[string]bool{
	"Note":    true,
	"Article": true,
}

func (p *ActivityProcessor) handleCreate(ctx context.Context, a *inboundActivity) error {
	obj := a.doc.Object("object")
	if obj == nil {
		return unprocessable("Create requires an embedded object")
	}
	if !contentTypes[obj.Type()] {
		log.Printf("Inbox: Ignoring Create of %s from %s", obj.Type(), a.actor.URI)
		return nil
	}
	uri := obj.String("id")
	if uri == "" {
		return unprocessable("Create object without id")
	}
	if author := obj.ID("attributedTo"); author != "" && author != a.actor.URI {
		return unprocessable("%s cannot create content attributed to %s", a.actor.URI, author)
	}

	existing, err := p.db.ReadContentByURI(uri)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	content := mapContent(obj, a.actor)
	created, err := p.db.CreateContent(content)
	if err != nil {
		return err
	}
	if created {
		log.Printf("Inbox: Stored %s %s from %s", content.Type, uri, a.actor.URI)
	}
	return nil
}

// mapContent copies an ActivityStreams object into a Content row
func mapContent(obj Document, actor *domain.Actor) *domain.Content {
	c := &domain.Content{
		Id:           uuid.New(),
		URI:          obj.String("id"),
		Type:         obj.Type(),
		Title:        obj.String("name"),
		Summary:      obj.String("summary"),
		Body:         obj.String("content"),
		ContentType:  domain.ContentTypeHTML,
		InReplyToURI: obj.ID("inReplyTo"),
		IsSensitive:  obj.Bool("sensitive"),
		PublishedAt:  obj.Time("published"),
		EditedAt:     obj.Time("updated"),
		ActorId:      actor.Id,
		InstanceId:   actor.InstanceId,
		Meta:         map[string]any{},
	}

	if contentMap := obj.Object("contentMap"); contentMap != nil {
		langs := make([]string, 0, len(contentMap))
		for lang := range contentMap {
			langs = append(langs, lang)
		}
		sort.Strings(langs)
		if len(langs) > 0 {
			c.Language = langs[0]
			if c.Body == "" {
				c.Body = contentMap.String(langs[0])
			}
		}
	} else if obj.String("mediaType") == string(domain.ContentTypeMarkdown) {
		c.ContentType = domain.ContentTypeMarkdown
	}

	for _, att := range obj.Objects("attachment") {
		url := att.ID("url")
		if url == "" {
			url = att.String("href")
		}
		if url == "" {
			continue
		}
		c.Attachments = append(c.Attachments, domain.Attachment{
			Type:      att.Type(),
			MediaType: att.String("mediaType"),
			URL:       url,
			Name:      att.String("name"),
			Blurhash:  att.String("blurhash"),
			Width:     att.Int("width"),
			Height:    att.Int("height"),
		})
	}

	var hashtags []any
	var emojis []any
	for _, tag := range obj.Objects("tag") {
		switch tag.Type() {
		case "Mention":
			c.Mentions = append(c.Mentions, parseMention(tag))
		case "Hashtag":
			hashtags = append(hashtags, strings.TrimPrefix(tag.String("name"), "#"))
		case "Emoji":
			emoji := map[string]any{"name": tag.String("name")}
			if icon := tag.Object("icon"); icon != nil {
				emoji["url"] = icon.ID("url")
			}
			emojis = append(emojis, emoji)
		}
	}
	if len(hashtags) > 0 {
		c.Meta["hashtags"] = hashtags
	}
	if len(emojis) > 0 {
		c.Meta["emojis"] = emojis
	}
	if u := obj.ID("url"); u != "" && u != c.URI {
		c.Meta["url"] = u
	}
	if q := obj.String("quoteUri"); q != "" {
		c.Meta["quoteUri"] = q
	}
	return c
}

func parseMention(tag Document) domain.Mention {
	m := domain.Mention{ActorURI: tag.ID("href")}
	if username, host, err := util.ParseHandle(tag.String("name")); err == nil {
		m.Username, m.Domain = username, host
	} else {
		m.Username = strings.TrimPrefix(tag.String("name"), "@")
	}
	return m
}

// StatusFor maps a processing error to the HTTP status the inbox answers with
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInstanceBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrUnprocessable), errors.Is(err, ErrUnsupportedActivity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// deliveryQueue is the part of QueueService outbound delivery needs
type deliveryQueue interface {
	Enqueue(ctx context.Context, deliveryId uuid.UUID, activityId, activityType, activityBody, actorURI, inboxURI string) error
}

// DeliveryService builds outbound activities and queues one delivery per
// recipient inbox. It never talks to the network itself.
type DeliveryService struct {
	db       Database
	queue    deliveryQueue
	resolver actorResolver
	objects  *ObjectFactory
	urls     URLs
}

func NewDeliveryService(db Database, queue deliveryQueue, resolver actorResolver, objects *ObjectFactory, localDomain string) *DeliveryService {
	return &DeliveryService{
		db:       db,
		queue:    queue,
		resolver: resolver,
		objects:  objects,
		urls:     URLs{Domain: localDomain},
	}
}

// recipient is one inbox and the actor it belongs to
type recipient struct {
	inbox    string
	actorURI string
}

// EnsureLocalActor returns the actor row of a publisher, creating it on first
// use and syncing profile and key fields when they drifted.
func (s *DeliveryService) EnsureLocalActor(publisher *domain.Publisher) (*domain.Actor, error) {
	actor, err := s.db.ReadActorByPublisherId(publisher.Id)
	if err != nil {
		return nil, err
	}

	name := publisher.Name
	want := domain.Actor{
		URI:            s.urls.Actor(name),
		Type:           domain.ActorPerson,
		Username:       name,
		DisplayName:    publisher.Nick,
		Bio:            publisher.Bio,
		InboxURI:       s.urls.Inbox(name),
		OutboxURI:      s.urls.Outbox(name),
		FollowersURI:   s.urls.Followers(name),
		FollowingURI:   s.urls.Following(name),
		PublicKeyId:    s.urls.KeyId(name),
		PublicKeyPem:   publisher.PublicKeyPem,
		AvatarURL:      publisher.AvatarURL,
		HeaderURL:      publisher.HeaderURL,
		IsDiscoverable: true,
		PublisherId:    publisher.Id,
	}

	if actor == nil {
		want.Id = uuid.New()
		want.CreatedAt = time.Now().UTC()
		if err := s.db.CreateActor(&want); err != nil {
			return nil, fmt.Errorf("failed to create actor for %s: %w", name, err)
		}
		log.Printf("Outbox: Created local actor %s", want.URI)
		return &want, nil
	}

	if want.PublicKeyPem == "" {
		want.PublicKeyPem = actor.PublicKeyPem
	}
	if actor.DisplayName != want.DisplayName || actor.Bio != want.Bio ||
		actor.PublicKeyPem != want.PublicKeyPem || actor.AvatarURL != want.AvatarURL ||
		actor.HeaderURL != want.HeaderURL {
		want.Id = actor.Id
		want.CreatedAt = actor.CreatedAt
		want.LastActivityAt = actor.LastActivityAt
		if err := s.db.UpdateActor(&want); err != nil {
			return nil, err
		}
		return &want, nil
	}
	return actor, nil
}

func (s *DeliveryService) publisherActor(publisherId uuid.UUID) (*domain.Publisher, *domain.Actor, error) {
	publisher, err := s.db.ReadPublisherById(publisherId)
	if err != nil {
		return nil, nil, err
	}
	if publisher == nil {
		return nil, nil, fmt.Errorf("%w: publisher %s", ErrNoLocalPublisher, publisherId)
	}
	actor, err := s.EnsureLocalActor(publisher)
	if err != nil {
		return nil, nil, err
	}
	return publisher, actor, nil
}

// newActivity starts an activity document authored by actorURI
func (s *DeliveryService) newActivity(activityType, actorURI string, object any) Document {
	return Document{
		"@context": ActivityStreamsContext,
		"id":       s.urls.NewActivity(),
		"type":     activityType,
		"actor":    actorURI,
		"object":   object,
	}
}

// followerRecipients lists the distinct remote inboxes of actor's accepted followers
func (s *DeliveryService) followerRecipients(actor *domain.Actor) ([]recipient, error) {
	followers, err := s.db.ReadFollowers(actor.Id, -1, 0)
	if err != nil {
		return nil, err
	}
	out := make([]recipient, 0, len(followers))
	for _, f := range followers {
		if f.IsLocal() || f.InboxURI == "" {
			continue
		}
		out = append(out, recipient{inbox: f.InboxURI, actorURI: f.URI})
	}
	return out, nil
}

// enqueue persists one Pending DeliveryRecord per distinct inbox and queues it.
// A record whose job could not be queued is left Failed for the retry job.
func (s *DeliveryService) enqueue(ctx context.Context, activity Document, actorURI string, recipients []recipient) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	activityId := activity.String("id")
	activityType := activity.Type()

	seen := make(map[string]bool, len(recipients))
	var errs []error
	queued := 0
	for _, r := range recipients {
		if r.inbox == "" || seen[r.inbox] {
			continue
		}
		seen[r.inbox] = true

		rec := &domain.DeliveryRecord{
			Id:             uuid.New(),
			ActivityId:     activityId,
			ActivityType:   activityType,
			ActivityBody:   string(body),
			ActorURI:       actorURI,
			InboxURI:       r.inbox,
			TargetActorURI: r.actorURI,
			Status:         domain.DeliveryPending,
		}
		if err := s.db.CreateDeliveryRecord(rec); err != nil {
			errs = append(errs, fmt.Errorf("delivery record for %s: %w", r.inbox, err))
			continue
		}
		if err := s.queue.Enqueue(ctx, rec.Id, activityId, activityType, rec.ActivityBody, actorURI, r.inbox); err != nil {
			log.Printf("Outbox: Failed to enqueue %s to %s, leaving it to the retry job: %v", activityType, r.inbox, err)
			now := time.Now().UTC()
			rec.Status = domain.DeliveryFailed
			rec.NextRetryAt = &now
			rec.ErrorMessage = err.Error()
			if uerr := s.db.UpdateDeliveryRecord(rec); uerr != nil {
				errs = append(errs, uerr)
			}
			continue
		}
		queued++
	}
	log.Printf("Outbox: Queued %s %s for %d inboxes", activityType, activityId, queued)
	return errors.Join(errs...)
}

// SendAccept answers a Follow with an Accept addressed to the follower only
func (s *DeliveryService) SendAccept(ctx context.Context, local, follower *domain.Actor, follow Document) error {
	if follower.InboxURI == "" {
		return fmt.Errorf("%w: follower %s has no inbox", ErrUnprocessable, follower.URI)
	}
	if follow == nil {
		return fmt.Errorf("%w: nothing to accept", ErrUnprocessable)
	}
	activity := s.newActivity("Accept", local.URI, follow)
	activity["to"] = []any{follower.URI}
	return s.enqueue(ctx, activity, local.URI, []recipient{{inbox: follower.InboxURI, actorURI: follower.URI}})
}

// SendFollow asks targetURI to accept publisher as a follower. The
// relationship stays Pending until an Accept arrives.
func (s *DeliveryService) SendFollow(ctx context.Context, publisher *domain.Publisher, targetURI string) error {
	local, err := s.EnsureLocalActor(publisher)
	if err != nil {
		return err
	}
	target, err := s.resolver.FetchActor(ctx, targetURI)
	if err != nil {
		return fmt.Errorf("failed to resolve follow target %s: %w", targetURI, err)
	}

	activity := s.newActivity("Follow", local.URI, target.URI)
	activity["to"] = []any{target.URI}

	now := time.Now().UTC()
	rel := &domain.Relationship{
		Id:            uuid.New(),
		ActorId:       local.Id,
		TargetActorId: target.Id,
		State:         domain.RelationshipPending,
		FollowURI:     activity.String("id"),
		FollowedAt:    &now,
	}
	if err := s.db.UpsertRelationship(rel); err != nil {
		return err
	}
	return s.enqueue(ctx, activity, local.URI, []recipient{{inbox: target.InboxURI, actorURI: target.URI}})
}

// SendUnfollow undoes the Follow of targetURI and removes the relationship
func (s *DeliveryService) SendUnfollow(ctx context.Context, publisher *domain.Publisher, targetURI string) error {
	local, err := s.EnsureLocalActor(publisher)
	if err != nil {
		return err
	}
	target, err := s.db.ReadActorByURI(targetURI)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	rel, err := s.db.ReadRelationship(local.Id, target.Id)
	if err != nil {
		return err
	}
	if rel == nil {
		return nil
	}

	follow := Document{
		"type":   "Follow",
		"actor":  local.URI,
		"object": target.URI,
	}
	if rel.FollowURI != "" {
		follow["id"] = rel.FollowURI
	}
	activity := s.newActivity("Undo", local.URI, follow)
	activity["to"] = []any{target.URI}

	if err := s.db.DeleteRelationship(local.Id, target.Id); err != nil {
		return err
	}
	return s.enqueue(ctx, activity, local.URI, []recipient{{inbox: target.InboxURI, actorURI: target.URI}})
}

func (s *DeliveryService) sendPost(ctx context.Context, activityType string, post *domain.Post) error {
	_, actor, err := s.publisherActor(post.PublisherId)
	if err != nil {
		return err
	}
	obj, err := s.objects.BuildNoteOrArticle(post, actor.URI)
	if err != nil {
		return err
	}
	activity := s.newActivity(activityType, actor.URI, obj)
	activity["to"] = obj["to"]
	activity["cc"] = obj["cc"]
	if activityType == "Create" {
		activity["published"] = obj["published"]
	}
	s.mirrorPost(post, actor, obj)

	recipients, err := s.followerRecipients(actor)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, activity, actor.URI, recipients)
}

// mirrorPost keeps a Content row for a local post so inbound reactions and
// replies can find it
func (s *DeliveryService) mirrorPost(post *domain.Post, actor *domain.Actor, obj Document) {
	uri := obj.String("id")
	existing, err := s.db.ReadContentByURI(uri)
	if err != nil {
		log.Printf("Outbox: Failed to read mirror of %s: %v", uri, err)
		return
	}
	if existing != nil {
		at := time.Now().UTC()
		if post.EditedAt != nil {
			at = *post.EditedAt
		}
		if err := s.db.TouchContent(existing.Id, at); err != nil {
			log.Printf("Outbox: Failed to touch mirror of %s: %v", uri, err)
		}
		return
	}
	published := post.PublishedAt.UTC()
	_, err = s.db.CreateContent(&domain.Content{
		Id:           uuid.New(),
		URI:          uri,
		Type:         obj.Type(),
		Title:        post.Title,
		Summary:      post.Description,
		Body:         obj.String("content"),
		ContentType:  domain.ContentTypeHTML,
		InReplyToURI: obj.String("inReplyTo"),
		ActorId:      actor.Id,
		PostId:       post.Id,
		PublishedAt:  &published,
		EditedAt:     post.EditedAt,
	})
	if err != nil {
		log.Printf("Outbox: Failed to mirror %s: %v", uri, err)
	}
}

func (s *DeliveryService) tombstonePost(post *domain.Post) {
	uri := s.urls.Post(post.Id)
	existing, err := s.db.ReadContentByURI(uri)
	if err != nil || existing == nil || existing.IsDeleted() {
		return
	}
	if err := s.db.SoftDeleteContent(existing.Id, time.Now().UTC()); err != nil {
		log.Printf("Outbox: Failed to tombstone mirror of %s: %v", uri, err)
	}
}

// SendCreate federates a new post to the author's followers
func (s *DeliveryService) SendCreate(ctx context.Context, post *domain.Post) error {
	return s.sendPost(ctx, "Create", post)
}

// SendUpdate federates an edited post to the author's followers
func (s *DeliveryService) SendUpdate(ctx context.Context, post *domain.Post) error {
	return s.sendPost(ctx, "Update", post)
}

// SendDelete replaces a post with a Tombstone at every follower
func (s *DeliveryService) SendDelete(ctx context.Context, post *domain.Post) error {
	_, actor, err := s.publisherActor(post.PublisherId)
	if err != nil {
		return err
	}
	typ := "Note"
	if post.Type == domain.PostArticle {
		typ = "Article"
	}
	tombstone := Document{
		"id":         s.urls.Post(post.Id),
		"type":       "Tombstone",
		"formerType": typ,
		"deleted":    time.Now().UTC().Format(time.RFC3339),
	}
	s.tombstonePost(post)
	activity := s.newActivity("Delete", actor.URI, tombstone)
	activity["to"] = []any{PublicAddress}
	activity["cc"] = []any{actor.FollowersURI}

	recipients, err := s.followerRecipients(actor)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, activity, actor.URI, recipients)
}

// SendActorUpdate pushes the full actor document of publisher to its followers
func (s *DeliveryService) SendActorUpdate(ctx context.Context, publisher *domain.Publisher) error {
	actor, err := s.EnsureLocalActor(publisher)
	if err != nil {
		return err
	}
	activity := s.newActivity("Update", actor.URI, s.objects.BuildActorDocument(publisher))
	activity["to"] = []any{PublicAddress}
	activity["cc"] = []any{actor.FollowersURI}

	recipients, err := s.followerRecipients(actor)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, activity, actor.URI, recipients)
}

// likeRecipients is the liking actor's followers plus the liked content's author
func (s *DeliveryService) likeRecipients(actor *domain.Actor, objectURI string) ([]recipient, error) {
	recipients, err := s.followerRecipients(actor)
	if err != nil {
		return nil, err
	}
	content, err := s.db.ReadContentByURI(objectURI)
	if err != nil || content == nil {
		return recipients, err
	}
	author, err := s.db.ReadActorById(content.ActorId)
	if err != nil || author == nil || author.IsLocal() {
		return recipients, err
	}
	return append(recipients, recipient{inbox: author.InboxURI, actorURI: author.URI}), nil
}

// SendLike federates a Like of objectURI and returns the Like's id
func (s *DeliveryService) SendLike(ctx context.Context, publisher *domain.Publisher, objectURI string) (string, error) {
	actor, err := s.EnsureLocalActor(publisher)
	if err != nil {
		return "", err
	}
	activity := s.newActivity("Like", actor.URI, objectURI)
	recipients, err := s.likeRecipients(actor, objectURI)
	if err != nil {
		return "", err
	}
	return activity.String("id"), s.enqueue(ctx, activity, actor.URI, recipients)
}

// SendUndoLike withdraws the Like likeId of objectURI
func (s *DeliveryService) SendUndoLike(ctx context.Context, publisher *domain.Publisher, objectURI, likeId string) error {
	actor, err := s.EnsureLocalActor(publisher)
	if err != nil {
		return err
	}
	like := Document{
		"type":   "Like",
		"actor":  actor.URI,
		"object": objectURI,
	}
	if likeId != "" {
		like["id"] = likeId
	}
	activity := s.newActivity("Undo", actor.URI, like)
	recipients, err := s.likeRecipients(actor, objectURI)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, activity, actor.URI, recipients)
}

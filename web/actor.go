package web

import (
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	outboxPageSize     = 20
	collectionPageSize = 40
)

// ParsePageParam returns the requested page, or 0 for the collection itself
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}

// OrderedCollection is the unpaged head of a collection; items live on its pages
func OrderedCollection(id string, totalItems int) activitypub.Document {
	return activitypub.Document{
		"@context":   activitypub.ActivityStreamsContext,
		"id":         id,
		"type":       "OrderedCollection",
		"totalItems": totalItems,
		"first":      fmt.Sprintf("%s?page=1", id),
	}
}

// OrderedCollectionPage renders one page of a collection with prev/next links
func OrderedCollectionPage(id string, page, pageSize, totalItems int, items []any) activitypub.Document {
	if items == nil {
		items = []any{}
	}
	doc := activitypub.Document{
		"@context":     activitypub.ActivityStreamsContext,
		"id":           fmt.Sprintf("%s?page=%d", id, page),
		"type":         "OrderedCollectionPage",
		"partOf":       id,
		"totalItems":   totalItems,
		"orderedItems": items,
	}
	if page > 1 {
		doc["prev"] = fmt.Sprintf("%s?page=%d", id, page-1)
	}
	if page*pageSize < totalItems {
		doc["next"] = fmt.Sprintf("%s?page=%d", id, page+1)
	}
	return doc
}

func (s *Server) handleActor(c *gin.Context) {
	publisher := s.publisher(c)
	if publisher == nil {
		return
	}
	publisher, err := s.keys.EnsurePublisherKeys(publisher)
	if err != nil {
		log.Printf("Failed to provision keys for %s: %v", c.Param("name"), err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if _, err := s.actors.EnsureLocalActor(publisher); err != nil {
		log.Printf("Failed to provision actor for %s: %v", publisher.Name, err)
	}
	renderActivity(c, http.StatusOK, s.objects.BuildActorDocument(publisher))
}

func (s *Server) handleOutbox(c *gin.Context) {
	publisher := s.publisher(c)
	if publisher == nil {
		return
	}
	outboxURI := s.urls.Outbox(publisher.Name)

	total, err := s.store.CountPostsByPublisher(publisher.Id)
	if err != nil {
		log.Printf("Outbox: Failed to count posts of %s: %v", publisher.Name, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		renderActivity(c, http.StatusOK, OrderedCollection(outboxURI, total))
		return
	}

	posts, err := s.store.ReadPostsByPublisher(publisher.Id, outboxPageSize, (page-1)*outboxPageSize)
	if err != nil {
		log.Printf("Outbox: Failed to read page %d of %s: %v", page, publisher.Name, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	actorURI := s.urls.Actor(publisher.Name)
	items := make([]any, 0, len(posts))
	for i := range posts {
		obj, err := s.objects.BuildNoteOrArticle(&posts[i], actorURI)
		if err != nil {
			log.Printf("Outbox: Skipping post %s: %v", posts[i].Id, err)
			continue
		}
		items = append(items, activitypub.WrapCreate(obj, actorURI))
	}
	renderActivity(c, http.StatusOK, OrderedCollectionPage(outboxURI, page, outboxPageSize, total, items))
}

type actorPageReader func(actorId uuid.UUID, limit, offset int) ([]domain.Actor, error)
type actorCounter func(actorId uuid.UUID) (int, error)

// serveActorCollection answers followers and following requests.
// Only accepted relationships are listed.
func (s *Server) serveActorCollection(c *gin.Context, collectionURI func(string) string, count actorCounter, read actorPageReader) {
	publisher, actor := s.localActor(c)
	if actor == nil {
		return
	}
	id := collectionURI(publisher.Name)

	total, err := count(actor.Id)
	if err != nil {
		log.Printf("Failed to count %s: %v", id, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		renderActivity(c, http.StatusOK, OrderedCollection(id, total))
		return
	}

	actors, err := read(actor.Id, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		log.Printf("Failed to read page %d of %s: %v", page, id, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	items := make([]any, 0, len(actors))
	for _, a := range actors {
		items = append(items, a.URI)
	}
	renderActivity(c, http.StatusOK, OrderedCollectionPage(id, page, collectionPageSize, total, items))
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.serveActorCollection(c, s.urls.Followers, s.store.CountFollowers, s.store.ReadFollowers)
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.serveActorCollection(c, s.urls.Following, s.store.CountFollowing, s.store.ReadFollowing)
}

// handlePost serves a local post as its Note or Article object
func (s *Server) handlePost(c *gin.Context) {
	postId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Invalid post ID"})
		return
	}

	post, err := s.store.ReadPostById(postId)
	if err != nil {
		log.Printf("Failed to read post %s: %v", postId, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if post == nil || post.PublisherId == uuid.Nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	}

	publisher, err := s.store.ReadPublisherById(post.PublisherId)
	if err != nil || publisher == nil {
		log.Printf("Failed to read publisher of post %s: %v", postId, err)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	}

	obj, err := s.objects.BuildNoteOrArticle(post, s.urls.Actor(publisher.Name))
	if err != nil {
		log.Printf("Failed to render post %s: %v", postId, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	obj["@context"] = activitypub.ActivityStreamsContext
	renderActivity(c, http.StatusOK, obj)
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	activityContentType = "application/activity+json; charset=utf-8"
	maxActivityBytes    = 1 * 1024 * 1024
)

// Store is the read side the HTTP handlers serve from.
// Read methods return (nil, nil) when no row matches.
type Store interface {
	ReadPublisherById(id uuid.UUID) (*domain.Publisher, error)
	ReadPublisherByName(name string) (*domain.Publisher, error)
	ReadPostById(id uuid.UUID) (*domain.Post, error)
	ReadPostsByPublisher(publisherId uuid.UUID, limit, offset int) ([]domain.Post, error)
	CountPostsByPublisher(publisherId uuid.UUID) (int, error)
	ReadFollowers(targetActorId uuid.UUID, limit, offset int) ([]domain.Actor, error)
	CountFollowers(targetActorId uuid.UUID) (int, error)
	ReadFollowing(actorId uuid.UUID, limit, offset int) ([]domain.Actor, error)
	CountFollowing(actorId uuid.UUID) (int, error)
	CountPublishers() (int, error)
	CountActivePublishers(days int) (int, error)
	CountPosts() (int, error)
}

type inboxProcessor interface {
	HandleIncoming(ctx context.Context, r *http.Request, body []byte) error
}

type localActors interface {
	EnsureLocalActor(publisher *domain.Publisher) (*domain.Actor, error)
}

type publisherKeys interface {
	EnsurePublisherKeys(publisher *domain.Publisher) (*domain.Publisher, error)
}

// Server holds what the HTTP handlers need
type Server struct {
	conf    *util.AppConfig
	store   Store
	objects *activitypub.ObjectFactory
	inbox   inboxProcessor
	actors  localActors
	keys    publisherKeys
	urls    activitypub.URLs
}

func NewServer(conf *util.AppConfig, store Store, objects *activitypub.ObjectFactory, inbox inboxProcessor, actors localActors, keys publisherKeys) *Server {
	return &Server{
		conf:    conf,
		store:   store,
		objects: objects,
		inbox:   inbox,
		actors:  actors,
		keys:    keys,
		urls:    activitypub.URLs{Domain: conf.Conf.SslDomain},
	}
}

// Router builds the gin engine serving the federation endpoints
func (s *Server) Router() *gin.Engine {
	gin.DefaultWriter = util.GetLogWriter()
	gin.DefaultErrorWriter = util.GetLogWriter()

	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))

	// Stricter limit for inbox deliveries: 5 req/sec per IP
	inboxLimit := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))
	maxBody := MaxBytesMiddleware(maxActivityBytes)

	g.GET("/.well-known/webfinger", s.handleWebFinger)
	g.GET("/.well-known/nodeinfo", s.handleWellKnownNodeInfo)
	g.GET("/nodeinfo/2.0", s.handleNodeInfo)

	g.POST("/activitypub/inbox", inboxLimit, maxBody, s.handleSharedInbox)

	actors := g.Group("/activitypub/actors/:name")
	actors.GET("", s.handleActor)
	actors.POST("/inbox", inboxLimit, maxBody, s.handleActorInbox)
	actors.GET("/outbox", s.handleOutbox)
	actors.GET("/followers", s.handleFollowers)
	actors.GET("/following", s.handleFollowing)
	actors.GET("/feed.rss", s.handleFeed)

	g.GET("/posts/:id", s.handlePost)

	return g
}

// renderActivity writes doc as an ActivityStreams JSON body
func renderActivity(c *gin.Context, status int, doc any) {
	body, err := json.Marshal(doc)
	if err != nil {
		log.Printf("Failed to marshal response for %s: %v", c.Request.URL.Path, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, activityContentType, body)
}

// publisher resolves the :name path parameter, answering 404 or 500 itself
// when it returns nil.
func (s *Server) publisher(c *gin.Context) *domain.Publisher {
	name := c.Param("name")
	publisher, err := s.store.ReadPublisherByName(name)
	if err != nil {
		log.Printf("Failed to read publisher %s: %v", name, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil
	}
	if publisher == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
		return nil
	}
	return publisher
}

// localActor returns the actor row of the :name publisher
func (s *Server) localActor(c *gin.Context) (*domain.Publisher, *domain.Actor) {
	publisher := s.publisher(c)
	if publisher == nil {
		return nil, nil
	}
	actor, err := s.actors.EnsureLocalActor(publisher)
	if err != nil {
		log.Printf("Failed to provision actor for %s: %v", publisher.Name, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, nil
	}
	return publisher, actor
}

func (s *Server) receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		log.Printf("Inbox: Failed to read body: %v", err)
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	err = s.inbox.HandleIncoming(c.Request.Context(), c.Request, body)
	status := activitypub.StatusFor(err)
	if err != nil {
		log.Printf("Inbox: Rejected %s with %d: %v", c.Request.URL.Path, status, err)
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
		return
	}
	c.Status(status)
}

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.receive(c)
}

func (s *Server) handleActorInbox(c *gin.Context) {
	if s.publisher(c) == nil {
		return
	}
	s.receive(c)
}

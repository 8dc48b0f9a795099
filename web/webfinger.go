package web

import (
	"log"
	"net/http"
	"strings"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-gonic/gin"
)

const profilePageRel = "http://webfinger.net/rel/profile-page"

// resourceName extracts the local publisher name a WebFinger resource asks for.
// Both acct: handles and actor IRIs are understood.
func (s *Server) resourceName(resource string) (name string, ok bool) {
	if strings.HasPrefix(resource, "acct:") {
		username, host, err := util.ParseHandle(strings.TrimPrefix(resource, "acct:"))
		if err != nil {
			return "", false
		}
		if host != strings.ToLower(s.urls.Domain) {
			return "", true
		}
		return username, true
	}
	if strings.HasPrefix(resource, "https://") {
		return s.urls.ActorName(resource), true
	}
	return "", false
}

func (s *Server) handleWebFinger(c *gin.Context) {
	name, ok := s.resourceName(c.Query("resource"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "resource must be acct:user@domain"})
		return
	}
	if name == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
		return
	}

	publisher, err := s.store.ReadPublisherByName(name)
	if err != nil {
		log.Printf("WebFinger: Failed to read publisher %s: %v", name, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if publisher == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
		return
	}

	actorURI := s.urls.Actor(publisher.Name)
	profile := s.urls.Profile(publisher.Name)
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, activitypub.WebFingerResponse{
		Subject: "acct:" + publisher.Name + "@" + s.urls.Domain,
		Aliases: []string{actorURI, profile},
		Links: []activitypub.WebFingerLink{
			{Rel: "self", Type: activitypub.ActivityJSONType, Href: actorURI},
			{Rel: profilePageRel, Type: "text/html", Href: profile},
		},
	})
}

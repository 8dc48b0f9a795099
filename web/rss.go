package web

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

const feedSize = 50

// feedTitle names a feed item after its post
func feedTitle(post *domain.Post) string {
	if post.Title != "" {
		return post.Title
	}
	return post.PublishedAt.UTC().Format("2006-01-02 15:04")
}

// GetRSS renders the latest top-level posts of a publisher as RSS 2.0
func (s *Server) GetRSS(publisher *domain.Publisher) (string, error) {
	posts, err := s.store.ReadPostsByPublisher(publisher.Id, feedSize, 0)
	if err != nil {
		return "", fmt.Errorf("error retrieving posts of %s: %w", publisher.Name, err)
	}

	author := publisher.Nick
	if author == "" {
		author = publisher.Name
	}
	actorURI := s.urls.Actor(publisher.Name)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s (@%s@%s)", author, publisher.Name, s.urls.Domain),
		Link:        &feeds.Link{Href: s.urls.Profile(publisher.Name)},
		Description: fmt.Sprintf("Posts by %s", author),
		Author:      &feeds.Author{Name: author},
		Created:     time.Now(),
	}

	for i := range posts {
		post := &posts[i]
		// Skip replies - only include top-level posts
		if post.RepliedPostId != uuid.Nil {
			continue
		}
		obj, err := s.objects.BuildNoteOrArticle(post, actorURI)
		if err != nil {
			log.Printf("Could not render post %s for feed: %v", post.Id, err)
			continue
		}
		item := &feeds.Item{
			Id:          obj.String("id"),
			Title:       feedTitle(post),
			Link:        &feeds.Link{Href: obj.String("id")},
			Description: post.Description,
			Content:     obj.String("content"),
			Author:      &feeds.Author{Name: author},
			Created:     post.PublishedAt,
		}
		if post.EditedAt != nil {
			item.Updated = *post.EditedAt
		}
		feed.Items = append(feed.Items, item)
	}

	return feed.ToRss()
}

func (s *Server) handleFeed(c *gin.Context) {
	publisher := s.publisher(c)
	if publisher == nil {
		return
	}
	rss, err := s.GetRSS(publisher)
	if err != nil {
		log.Println("Could not build feed!", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}

package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

const (
	maxDocumentSize      = 1 << 20
	instanceFetchTimeout = 3 * time.Second
	nodeInfoRelPrefix    = "http://nodeinfo.diaspora.software/ns/schema/2."
	profilePageRel       = "http://webfinger.net/rel/profile-page"
)

// DiscoveryService resolves handles and caches remote actors and instances
type DiscoveryService struct {
	db          Database
	client      HTTPClient
	localDomain string
	userAgent   string
}

// NewDiscoveryService creates a DiscoveryService for the given local domain
func NewDiscoveryService(db Database, client HTTPClient, localDomain string) *DiscoveryService {
	return &DiscoveryService{
		db:          db,
		client:      client,
		localDomain: strings.ToLower(localDomain),
		userAgent:   util.UserAgent(localDomain),
	}
}

// WebFingerLink is one link of a WebFinger response
type WebFingerLink struct {
	Rel  string `json:"rel" xml:"rel,attr"`
	Type string `json:"type,omitempty" xml:"type,attr,omitempty"`
	Href string `json:"href,omitempty" xml:"href,attr,omitempty"`
}

// WebFingerResponse is a JRD document
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type xrdDocument struct {
	XMLName xml.Name        `xml:"XRD"`
	Subject string          `xml:"Subject"`
	Links   []WebFingerLink `xml:"Link"`
}

func (d *DiscoveryService) get(ctx context.Context, target, accept string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("GET %s returned status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (d *DiscoveryService) fetchDocument(ctx context.Context, uri string) (Document, error) {
	body, _, err := d.get(ctx, uri, `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	if err != nil {
		return nil, err
	}
	return ParseDocument(body)
}

// parseWebFinger accepts a JRD (JSON) or XRD (XML) body
func parseWebFinger(body []byte, contentType string) ([]WebFingerLink, error) {
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(contentType, "xml") || bytes.HasPrefix(trimmed, []byte("<")) {
		var xrd xrdDocument
		if err := xml.Unmarshal(trimmed, &xrd); err != nil {
			return nil, fmt.Errorf("invalid XRD: %w", err)
		}
		return xrd.Links, nil
	}
	var jrd WebFingerResponse
	if err := json.Unmarshal(trimmed, &jrd); err != nil {
		return nil, fmt.Errorf("invalid JRD: %w", err)
	}
	return jrd.Links, nil
}

func selfLink(links []WebFingerLink) string {
	for _, l := range links {
		if l.Rel != "self" {
			continue
		}
		if l.Type == ActivityJSONType || strings.HasPrefix(l.Type, "application/ld+json") {
			return l.Href
		}
	}
	return ""
}

// ResolveHandle turns user@domain into a persisted remote actor. Local
// handles and every network or parse failure yield nil.
func (d *DiscoveryService) ResolveHandle(ctx context.Context, handle string) *domain.Actor {
	username, host, err := util.ParseHandle(handle)
	if err != nil {
		log.Printf("Discovery: %v", err)
		return nil
	}
	if host == d.localDomain {
		return nil
	}

	resource := fmt.Sprintf("acct:%s@%s", username, host)
	target := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", host, url.QueryEscape(resource))
	body, contentType, err := d.get(ctx, target, "application/jrd+json, application/json, application/xrd+xml")
	if err != nil {
		log.Printf("Discovery: WebFinger lookup for %s failed: %v", resource, err)
		return nil
	}
	links, err := parseWebFinger(body, contentType)
	if err != nil {
		log.Printf("Discovery: WebFinger response for %s unusable: %v", resource, err)
		return nil
	}
	actorURI := selfLink(links)
	if actorURI == "" {
		log.Printf("Discovery: WebFinger response for %s has no self link", resource)
		return nil
	}

	actor, err := d.FetchActor(ctx, actorURI)
	if err != nil {
		log.Printf("Discovery: Failed to fetch actor %s: %v", actorURI, err)
		return nil
	}
	return actor
}

// FetchActor returns the stored actor for actorURI, fetching and persisting
// it on first sight. Stored actors are returned unchanged.
func (d *DiscoveryService) FetchActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	existing, err := d.db.ReadActorByURI(actorURI)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	actor, err := d.loadRemoteActor(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	actor.Id = uuid.New()
	actor.CreatedAt = time.Now().UTC()
	if err := d.db.CreateActor(actor); err != nil {
		// lost a race with a concurrent fetch of the same actor
		if raced, rerr := d.db.ReadActorByURI(actorURI); rerr == nil && raced != nil {
			return raced, nil
		}
		return nil, fmt.Errorf("failed to store actor %s: %w", actorURI, err)
	}
	log.Printf("Discovery: Cached actor %s", actorURI)
	return actor, nil
}

// RefreshActor re-fetches a remote actor and overwrites the stored profile
func (d *DiscoveryService) RefreshActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	existing, err := d.db.ReadActorByURI(actorURI)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return d.FetchActor(ctx, actorURI)
	}
	if existing.IsLocal() {
		return existing, nil
	}

	fresh, err := d.loadRemoteActor(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	fresh.Id = existing.Id
	fresh.CreatedAt = existing.CreatedAt
	fresh.LastActivityAt = existing.LastActivityAt
	if err := d.db.UpdateActor(fresh); err != nil {
		return nil, err
	}
	log.Printf("Discovery: Refreshed actor %s", actorURI)
	return fresh, nil
}

func (d *DiscoveryService) loadRemoteActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	host, err := extractDomain(actorURI)
	if err != nil {
		return nil, err
	}
	doc, err := d.fetchDocument(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if id := doc.String("id"); id != "" {
		if idHost, err := extractDomain(id); err != nil || idHost != host {
			return nil, fmt.Errorf("actor document id %q does not match %s", id, actorURI)
		}
	}

	actor := mapActorDocument(doc, actorURI)
	if !util.IsURL(actor.InboxURI) {
		return nil, fmt.Errorf("actor document %s has no usable inbox", actorURI)
	}
	inst, err := d.GetOrCreateInstance(ctx, host)
	if err != nil {
		log.Printf("Discovery: No instance record for %s: %v", host, err)
	} else {
		actor.InstanceId = inst.Id
	}
	return actor, nil
}

// mapActorDocument copies ActivityStreams actor fields; missing fields stay empty
func mapActorDocument(doc Document, actorURI string) *domain.Actor {
	now := time.Now().UTC()
	actorType := doc.Type()
	a := &domain.Actor{
		URI:            actorURI,
		Type:           domain.ActorType(actorType),
		Username:       doc.String("preferredUsername"),
		DisplayName:    doc.String("name"),
		Bio:            doc.String("summary"),
		InboxURI:       doc.ID("inbox"),
		OutboxURI:      doc.ID("outbox"),
		FollowersURI:   doc.ID("followers"),
		FollowingURI:   doc.ID("following"),
		FeaturedURI:    doc.ID("featured"),
		AvatarURL:      imageURL(doc, "icon"),
		HeaderURL:      imageURL(doc, "image"),
		IsBot:          actorType == "Service" || actorType == "Application",
		IsLocked:       doc.Bool("manuallyApprovesFollowers"),
		IsDiscoverable: doc.Bool("discoverable"),
		LastFetchedAt:  &now,
	}
	if a.Type == "" {
		a.Type = domain.ActorPerson
	}
	if key := doc.Object("publicKey"); key != nil {
		a.PublicKeyId = key.String("id")
		a.PublicKeyPem = key.String("publicKeyPem")
	}
	return a
}

func imageURL(doc Document, key string) string {
	if objs := doc.Objects(key); len(objs) > 0 {
		if u := objs[0].ID("url"); u != "" {
			return u
		}
	}
	return doc.String(key)
}

// GetOrCreateInstance returns the instance record for host, creating it and
// enriching it from NodeInfo on first sight.
func (d *DiscoveryService) GetOrCreateInstance(ctx context.Context, host string) (*domain.Instance, error) {
	host = strings.ToLower(host)
	inst, err := d.db.ReadInstanceByDomain(host)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst, nil
	}

	inst = &domain.Instance{Id: uuid.New(), Domain: host, CreatedAt: time.Now().UTC()}
	if err := d.db.CreateInstance(inst); err != nil {
		if raced, rerr := d.db.ReadInstanceByDomain(host); rerr == nil && raced != nil {
			return raced, nil
		}
		return nil, err
	}

	metaCtx, cancel := context.WithTimeout(ctx, instanceFetchTimeout)
	defer cancel()
	d.FetchInstanceMetadata(metaCtx, inst)
	return inst, nil
}

// FetchInstanceMetadata fills software and name from NodeInfo. Failures are
// logged and leave the instance untouched.
func (d *DiscoveryService) FetchInstanceMetadata(ctx context.Context, inst *domain.Instance) {
	body, _, err := d.get(ctx, fmt.Sprintf("https://%s/.well-known/nodeinfo", inst.Domain), "application/json")
	if err != nil {
		log.Printf("Discovery: NodeInfo discovery for %s failed: %v", inst.Domain, err)
		return
	}
	var index struct {
		Links []WebFingerLink `json:"links"`
	}
	if err := json.Unmarshal(body, &index); err != nil {
		log.Printf("Discovery: NodeInfo index for %s invalid: %v", inst.Domain, err)
		return
	}
	href := ""
	for _, l := range index.Links {
		if strings.HasPrefix(l.Rel, nodeInfoRelPrefix) {
			href = l.Href
		}
	}
	if href == "" {
		log.Printf("Discovery: %s advertises no NodeInfo 2.x document", inst.Domain)
		return
	}

	body, _, err = d.get(ctx, href, "application/json")
	if err != nil {
		log.Printf("Discovery: NodeInfo fetch for %s failed: %v", inst.Domain, err)
		return
	}
	doc, err := ParseDocument(body)
	if err != nil {
		log.Printf("Discovery: NodeInfo document for %s invalid: %v", inst.Domain, err)
		return
	}

	now := time.Now().UTC()
	if software := doc.Object("software"); software != nil {
		inst.Software = software.String("name")
		inst.Version = software.String("version")
	}
	if meta := doc.Object("metadata"); meta != nil {
		inst.Name = meta.String("nodeName")
	}
	inst.LastFetchedAt = &now
	if err := d.db.UpdateInstance(inst); err != nil {
		log.Printf("Discovery: Failed to store metadata for %s: %v", inst.Domain, err)
	}
}

// SearchActors searches stored actors and, when asked and the query is a
// handle, one remote discovery. Results are unique by URI.
func (d *DiscoveryService) SearchActors(ctx context.Context, query string, limit int, includeRemoteDiscovery bool) ([]domain.Actor, error) {
	query = strings.TrimSpace(query)
	local, err := d.db.SearchActors(strings.TrimPrefix(query, "@"), limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(local)+1)
	results := make([]domain.Actor, 0, len(local)+1)
	if includeRemoteDiscovery {
		if _, _, err := util.ParseHandle(query); err == nil {
			if remote := d.ResolveHandle(ctx, query); remote != nil {
				results = append(results, *remote)
				seen[remote.URI] = true
			}
		}
	}
	for _, a := range local {
		if seen[a.URI] {
			continue
		}
		seen[a.URI] = true
		results = append(results, a)
	}
	if limit >= 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

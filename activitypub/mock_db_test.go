package activitypub

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// MockDatabase is an in-memory implementation of the Database interface for testing.
// Rows are stored by value so callers cannot mutate them behind the mock's back.
type MockDatabase struct {
	mu sync.RWMutex

	Instances     map[uuid.UUID]domain.Instance
	Actors        map[uuid.UUID]domain.Actor
	Relationships map[[2]uuid.UUID]domain.Relationship
	Contents      map[uuid.UUID]domain.Content
	Reactions     map[uuid.UUID]domain.Reaction
	Publishers    map[uuid.UUID]domain.Publisher
	Posts         map[uuid.UUID]domain.Post
	Deliveries    map[uuid.UUID]domain.DeliveryRecord
	InboxLog      map[string]domain.InboxActivity

	// Error injection for testing error handling
	ForceError error
}

// NewMockDatabase creates a new mock database with initialized maps
func NewMockDatabase() *MockDatabase {
	return &MockDatabase{
		Instances:     make(map[uuid.UUID]domain.Instance),
		Actors:        make(map[uuid.UUID]domain.Actor),
		Relationships: make(map[[2]uuid.UUID]domain.Relationship),
		Contents:      make(map[uuid.UUID]domain.Content),
		Reactions:     make(map[uuid.UUID]domain.Reaction),
		Publishers:    make(map[uuid.UUID]domain.Publisher),
		Posts:         make(map[uuid.UUID]domain.Post),
		Deliveries:    make(map[uuid.UUID]domain.DeliveryRecord),
		InboxLog:      make(map[string]domain.InboxActivity),
	}
}

// SetForceError sets an error to be returned by all operations
func (m *MockDatabase) SetForceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ForceError = err
}

// AddPublisher adds a publisher to the mock database
func (m *MockDatabase) AddPublisher(p *domain.Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Publishers[p.Id] = *p
}

// AddPost adds a post to the mock database
func (m *MockDatabase) AddPost(p *domain.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Posts[p.Id] = *p
}

// AddActor adds an actor to the mock database
func (m *MockDatabase) AddActor(a *domain.Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Actors[a.Id] = *a
}

// AddContent adds a content row to the mock database
func (m *MockDatabase) AddContent(c *domain.Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Contents[c.Id] = *c
}

// DeliveriesFor returns every delivery record queued for inbox
func (m *MockDatabase) DeliveriesFor(inbox string) []domain.DeliveryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.DeliveryRecord
	for _, d := range m.Deliveries {
		if d.InboxURI == inbox {
			out = append(out, d)
		}
	}
	return out
}

// ------------------------------------------------------------------
// Instances

func (m *MockDatabase) ReadInstanceByDomain(d string) (*domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	for _, inst := range m.Instances {
		if inst.Domain == strings.ToLower(d) {
			return &inst, nil
		}
	}
	return nil, nil
}

func (m *MockDatabase) ReadInstanceById(id uuid.UUID) (*domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if inst, ok := m.Instances[id]; ok {
		return &inst, nil
	}
	return nil, nil
}

func (m *MockDatabase) CreateInstance(inst *domain.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	inst.Domain = strings.ToLower(inst.Domain)
	for _, existing := range m.Instances {
		if existing.Domain == inst.Domain {
			return fmt.Errorf("UNIQUE constraint failed: instances.domain")
		}
	}
	m.Instances[inst.Id] = *inst
	return nil
}

func (m *MockDatabase) UpdateInstance(inst *domain.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	m.Instances[inst.Id] = *inst
	return nil
}

func (m *MockDatabase) TouchInstance(id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	if inst, ok := m.Instances[id]; ok {
		inst.LastActivityAt = &at
		m.Instances[id] = inst
	}
	return nil
}

// ------------------------------------------------------------------
// Actors

func (m *MockDatabase) ReadActorByURI(uri string) (*domain.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	for _, a := range m.Actors {
		if a.URI == uri {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *MockDatabase) ReadActorById(id uuid.UUID) (*domain.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if a, ok := m.Actors[id]; ok {
		return &a, nil
	}
	return nil, nil
}

func (m *MockDatabase) ReadActorByPublisherId(publisherId uuid.UUID) (*domain.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	for _, a := range m.Actors {
		if a.PublisherId == publisherId && publisherId != uuid.Nil {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *MockDatabase) CreateActor(a *domain.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	for _, existing := range m.Actors {
		if existing.URI == a.URI {
			return fmt.Errorf("UNIQUE constraint failed: actors.uri")
		}
	}
	m.Actors[a.Id] = *a
	return nil
}

func (m *MockDatabase) UpdateActor(a *domain.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	m.Actors[a.Id] = *a
	return nil
}

func (m *MockDatabase) TouchActor(id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	if a, ok := m.Actors[id]; ok {
		a.LastActivityAt = &at
		m.Actors[id] = a
	}
	return nil
}

func (m *MockDatabase) SearchActors(query string, limit int) ([]domain.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	q := strings.ToLower(query)
	var out []domain.Actor
	for _, a := range m.Actors {
		if strings.Contains(strings.ToLower(a.Username), q) || strings.Contains(strings.ToLower(a.DisplayName), q) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ------------------------------------------------------------------
// Relationships

func (m *MockDatabase) ReadRelationship(actorId, targetActorId uuid.UUID) (*domain.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if r, ok := m.Relationships[[2]uuid.UUID{actorId, targetActorId}]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *MockDatabase) ReadRelationshipByFollowURI(uri string) (*domain.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if uri == "" {
		return nil, nil
	}
	for _, r := range m.Relationships {
		if r.FollowURI == uri {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MockDatabase) ReadRelationshipByTarget(targetActorId uuid.UUID, state domain.RelationshipState) (*domain.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	var newest *domain.Relationship
	for _, r := range m.Relationships {
		if r.TargetActorId != targetActorId || (state != "" && r.State != state) {
			continue
		}
		if newest == nil || r.UpdatedAt.After(newest.UpdatedAt) {
			r := r
			newest = &r
		}
	}
	return newest, nil
}

func (m *MockDatabase) UpsertRelationship(r *domain.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	key := [2]uuid.UUID{r.ActorId, r.TargetActorId}
	now := time.Now().UTC()
	if existing, ok := m.Relationships[key]; ok {
		r.Id = existing.Id
		r.CreatedAt = existing.CreatedAt
		if r.FollowURI == "" {
			r.FollowURI = existing.FollowURI
		}
	}
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.IsFollowing = r.State == domain.RelationshipAccepted

	reverseKey := [2]uuid.UUID{r.TargetActorId, r.ActorId}
	reverse, hasReverse := m.Relationships[reverseKey]
	r.IsFollowedBy = r.IsFollowing && hasReverse && reverse.State == domain.RelationshipAccepted
	if hasReverse {
		reverse.IsFollowedBy = r.IsFollowedBy
		m.Relationships[reverseKey] = reverse
	}
	m.Relationships[key] = *r
	return nil
}

func (m *MockDatabase) DeleteRelationship(actorId, targetActorId uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	delete(m.Relationships, [2]uuid.UUID{actorId, targetActorId})
	reverseKey := [2]uuid.UUID{targetActorId, actorId}
	if reverse, ok := m.Relationships[reverseKey]; ok {
		reverse.IsFollowedBy = false
		m.Relationships[reverseKey] = reverse
	}
	return nil
}

func (m *MockDatabase) edges(match func(domain.Relationship) (uuid.UUID, bool), limit, offset int) []domain.Actor {
	var rels []domain.Relationship
	for _, r := range m.Relationships {
		if _, ok := match(r); ok && r.State == domain.RelationshipAccepted {
			rels = append(rels, r)
		}
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].CreatedAt.After(rels[j].CreatedAt) })
	var out []domain.Actor
	for i, r := range rels {
		if i < offset {
			continue
		}
		if limit >= 0 && len(out) >= limit {
			break
		}
		id, _ := match(r)
		if a, ok := m.Actors[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (m *MockDatabase) ReadFollowers(targetActorId uuid.UUID, limit, offset int) ([]domain.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	return m.edges(func(r domain.Relationship) (uuid.UUID, bool) {
		return r.ActorId, r.TargetActorId == targetActorId
	}, limit, offset), nil
}

func (m *MockDatabase) CountFollowers(targetActorId uuid.UUID) (int, error) {
	followers, err := m.ReadFollowers(targetActorId, -1, 0)
	return len(followers), err
}

func (m *MockDatabase) ReadFollowing(actorId uuid.UUID, limit, offset int) ([]domain.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	return m.edges(func(r domain.Relationship) (uuid.UUID, bool) {
		return r.TargetActorId, r.ActorId == actorId
	}, limit, offset), nil
}

func (m *MockDatabase) CountFollowing(actorId uuid.UUID) (int, error) {
	following, err := m.ReadFollowing(actorId, -1, 0)
	return len(following), err
}

// ------------------------------------------------------------------
// Contents and reactions

func (m *MockDatabase) contentByURI(uri string) (domain.Content, bool) {
	for _, c := range m.Contents {
		if c.URI == uri {
			return c, true
		}
	}
	return domain.Content{}, false
}

func (m *MockDatabase) ReadContentByURI(uri string) (*domain.Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if c, ok := m.contentByURI(uri); ok {
		return &c, nil
	}
	return nil, nil
}

func (m *MockDatabase) CreateContent(c *domain.Content) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return false, m.ForceError
	}
	if _, ok := m.contentByURI(c.URI); ok {
		return false, nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.Contents[c.Id] = *c
	if c.InReplyToURI != "" {
		if parent, ok := m.contentByURI(c.InReplyToURI); ok {
			parent.RepliesCount++
			m.Contents[parent.Id] = parent
		}
	}
	return true, nil
}

func (m *MockDatabase) TouchContent(id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	if c, ok := m.Contents[id]; ok {
		c.EditedAt = &at
		c.UpdatedAt = at
		m.Contents[id] = c
	}
	return nil
}

func (m *MockDatabase) SoftDeleteContent(id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	if c, ok := m.Contents[id]; ok {
		c.DeletedAt = &at
		c.UpdatedAt = at
		m.Contents[id] = c
	}
	return nil
}

func (m *MockDatabase) ReadReaction(actorId, contentId uuid.UUID, symbol string) (*domain.Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	for _, r := range m.Reactions {
		if r.ActorId == actorId && r.ContentId == contentId && r.Symbol == symbol {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MockDatabase) ReadReactionByURI(uri string) (*domain.Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if uri == "" {
		return nil, nil
	}
	for _, r := range m.Reactions {
		if r.URI == uri {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MockDatabase) AddReaction(r *domain.Reaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return false, m.ForceError
	}
	for _, existing := range m.Reactions {
		if existing.ActorId == r.ActorId && existing.ContentId == r.ContentId && existing.Symbol == r.Symbol {
			return false, nil
		}
	}
	m.Reactions[r.Id] = *r
	if c, ok := m.Contents[r.ContentId]; ok {
		*reactionCounter(&c, r.Type)++
		m.Contents[c.Id] = c
	}
	return true, nil
}

func (m *MockDatabase) RemoveReaction(id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return false, m.ForceError
	}
	r, ok := m.Reactions[id]
	if !ok {
		return false, nil
	}
	delete(m.Reactions, id)
	if c, ok := m.Contents[r.ContentId]; ok {
		if field := reactionCounter(&c, r.Type); *field > 0 {
			*field--
		}
		m.Contents[c.Id] = c
	}
	return true, nil
}

func reactionCounter(c *domain.Content, t domain.ReactionType) *int {
	if t.Counter() == domain.CounterBoosts {
		return &c.BoostCount
	}
	return &c.LikeCount
}

// ------------------------------------------------------------------
// Publishers and posts

func (m *MockDatabase) ReadPublisherById(id uuid.UUID) (*domain.Publisher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if p, ok := m.Publishers[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *MockDatabase) ReadPublisherByName(name string) (*domain.Publisher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	for _, p := range m.Publishers {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *MockDatabase) UpdatePublisherKeys(id uuid.UUID, privatePem, publicPem string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	p, ok := m.Publishers[id]
	if !ok {
		return fmt.Errorf("publisher %s not found", id)
	}
	p.PrivateKeyPem = privatePem
	p.PublicKeyPem = publicPem
	m.Publishers[id] = p
	return nil
}

func (m *MockDatabase) ReadPostById(id uuid.UUID) (*domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if p, ok := m.Posts[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *MockDatabase) ReadPostsByPublisher(publisherId uuid.UUID, limit, offset int) ([]domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	var posts []domain.Post
	for _, p := range m.Posts {
		if p.PublisherId == publisherId {
			posts = append(posts, p)
		}
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].PublishedAt.After(posts[j].PublishedAt) })
	if offset >= len(posts) {
		return nil, nil
	}
	posts = posts[offset:]
	if limit >= 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (m *MockDatabase) CountPostsByPublisher(publisherId uuid.UUID) (int, error) {
	posts, err := m.ReadPostsByPublisher(publisherId, -1, 0)
	return len(posts), err
}

// ------------------------------------------------------------------
// Deliveries and the inbox log

func (m *MockDatabase) CreateDeliveryRecord(r *domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = domain.DeliveryPending
	}
	m.Deliveries[r.Id] = *r
	return nil
}

func (m *MockDatabase) ReadDeliveryRecord(id uuid.UUID) (*domain.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	if r, ok := m.Deliveries[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *MockDatabase) UpdateDeliveryRecord(r *domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	if _, ok := m.Deliveries[r.Id]; !ok {
		return nil
	}
	r.UpdatedAt = time.Now().UTC()
	m.Deliveries[r.Id] = *r
	return nil
}

func (m *MockDatabase) ReadRetryableDeliveries(now time.Time, limit int) ([]domain.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	var out []domain.DeliveryRecord
	for _, r := range m.Deliveries {
		if r.Status == domain.DeliveryFailed && r.NextRetryAt != nil && !r.NextRetryAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockDatabase) ReadStaleDeliveries(before time.Time, limit int) ([]domain.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	var out []domain.DeliveryRecord
	for _, r := range m.Deliveries {
		if (r.Status == domain.DeliveryPending || r.Status == domain.DeliveryProcessing) && r.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockDatabase) ReadExpiredDeliveryIds(before time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return nil, m.ForceError
	}
	var out []uuid.UUID
	for _, r := range m.Deliveries {
		if r.Status.IsTerminal() && r.UpdatedAt.Before(before) {
			out = append(out, r.Id)
		}
	}
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockDatabase) DeleteDeliveryRecord(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	delete(m.Deliveries, id)
	return nil
}

func (m *MockDatabase) ClaimInboxActivity(a *domain.InboxActivity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return false, m.ForceError
	}
	if _, ok := m.InboxLog[a.ActivityURI]; ok {
		return false, nil
	}
	m.InboxLog[a.ActivityURI] = *a
	return true, nil
}

func (m *MockDatabase) DeleteInboxActivity(activityURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	delete(m.InboxLog, activityURI)
	return nil
}

// ------------------------------------------------------------------
// HTTP

// MockHTTPClient answers requests from a table keyed by URL. Unknown URLs get a 404.
type MockHTTPClient struct {
	mu        sync.Mutex
	Responses map[string]MockResponse
	Requests  []*http.Request
	Bodies    [][]byte
	Err       error
}

// MockResponse is a canned answer
type MockResponse struct {
	Status      int
	Body        string
	ContentType string
}

func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{Responses: make(map[string]MockResponse)}
}

// On registers the answer for url
func (c *MockHTTPClient) On(url string, status int, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses[url] = MockResponse{Status: status, Body: body}
}

func (c *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	c.Requests = append(c.Requests, req)
	c.Bodies = append(c.Bodies, body)
	if c.Err != nil {
		return nil, c.Err
	}

	resp, ok := c.Responses[req.URL.String()]
	if !ok {
		resp = MockResponse{Status: http.StatusNotFound, Body: "not found"}
	}
	header := make(http.Header)
	if resp.ContentType != "" {
		header.Set("Content-Type", resp.ContentType)
	}
	return &http.Response{
		StatusCode: resp.Status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(resp.Body)),
		Request:    req,
	}, nil
}

// RequestCount returns how many requests went to url
func (c *MockHTTPClient) RequestCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.Requests {
		if r.URL.String() == url {
			n++
		}
	}
	return n
}

package activitypub

import (
	"context"
	"errors"
	"testing"
)

const aliceActorJSON = `{
	"@context": ["https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"],
	"id": "https://remote.example/users/alice",
	"type": "Person",
	"preferredUsername": "alice",
	"name": "Alice",
	"summary": "<p>hi</p>",
	"inbox": "https://remote.example/users/alice/inbox",
	"outbox": "https://remote.example/users/alice/outbox",
	"followers": "https://remote.example/users/alice/followers",
	"following": "https://remote.example/users/alice/following",
	"manuallyApprovesFollowers": true,
	"icon": {"type": "Image", "url": "https://remote.example/avatars/alice.png"},
	"publicKey": {
		"id": "https://remote.example/users/alice#main-key",
		"owner": "https://remote.example/users/alice",
		"publicKeyPem": "PEM"
	}
}`

const aliceWebFinger = `{
	"subject": "acct:alice@remote.example",
	"links": [
		{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": "https://remote.example/@alice"},
		{"rel": "self", "type": "application/activity+json", "href": "https://remote.example/users/alice"}
	]
}`

const aliceWebFingerURL = "https://remote.example/.well-known/webfinger?resource=acct%3Aalice%40remote.example"

func newTestDiscovery() (*DiscoveryService, *MockDatabase, *MockHTTPClient) {
	db := NewMockDatabase()
	client := NewMockHTTPClient()
	return NewDiscoveryService(db, client, testDomain), db, client
}

func TestResolveHandle_JRD(t *testing.T) {
	svc, db, client := newTestDiscovery()
	client.On(aliceWebFingerURL, 200, aliceWebFinger)
	client.On(aliceURI, 200, aliceActorJSON)

	actor := svc.ResolveHandle(context.Background(), "@alice@remote.example")
	if actor == nil {
		t.Fatal("Expected actor")
	}
	if actor.URI != aliceURI || actor.Username != "alice" || actor.DisplayName != "Alice" {
		t.Errorf("Unexpected actor %+v", actor)
	}
	if actor.InboxURI != aliceURI+"/inbox" || actor.PublicKeyPem != "PEM" {
		t.Errorf("Unexpected inbox/key %s %s", actor.InboxURI, actor.PublicKeyPem)
	}
	if actor.AvatarURL != "https://remote.example/avatars/alice.png" || !actor.IsLocked {
		t.Errorf("Unexpected avatar/locked %s %v", actor.AvatarURL, actor.IsLocked)
	}

	stored, _ := db.ReadActorByURI(aliceURI)
	if stored == nil {
		t.Fatal("Expected actor to be persisted")
	}
	inst, _ := db.ReadInstanceByDomain("remote.example")
	if inst == nil || stored.InstanceId != inst.Id {
		t.Error("Expected actor linked to its instance")
	}

	req := client.Requests[0]
	if req.Header.Get("User-Agent") == "" {
		t.Error("Expected a User-Agent on discovery requests")
	}
}

func TestResolveHandle_XRD(t *testing.T) {
	svc, _, client := newTestDiscovery()
	client.Responses[aliceWebFingerURL] = MockResponse{
		Status:      200,
		ContentType: "application/xrd+xml",
		Body: `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Subject>acct:alice@remote.example</Subject>
  <Link rel="self" type="application/activity+json" href="https://remote.example/users/alice"/>
</XRD>`,
	}
	client.On(aliceURI, 200, aliceActorJSON)

	if actor := svc.ResolveHandle(context.Background(), "alice@remote.example"); actor == nil || actor.URI != aliceURI {
		t.Fatalf("Expected actor from XRD, got %+v", actor)
	}
}

func TestResolveHandle_Failures(t *testing.T) {
	tests := []struct {
		name   string
		handle string
		setup  func(c *MockHTTPClient)
	}{
		{name: "invalid handle", handle: "not-a-handle"},
		{name: "local domain", handle: "bob@local.example"},
		{name: "webfinger 404", handle: "alice@remote.example"},
		{
			name:   "webfinger not json",
			handle: "alice@remote.example",
			setup:  func(c *MockHTTPClient) { c.On(aliceWebFingerURL, 200, "{oops") },
		},
		{
			name:   "no self link",
			handle: "alice@remote.example",
			setup: func(c *MockHTTPClient) {
				c.On(aliceWebFingerURL, 200, `{"subject":"acct:alice@remote.example","links":[]}`)
			},
		},
		{
			name:   "actor fetch fails",
			handle: "alice@remote.example",
			setup: func(c *MockHTTPClient) {
				c.On(aliceWebFingerURL, 200, aliceWebFinger)
				c.On(aliceURI, 500, "boom")
			},
		},
		{
			name:   "network error",
			handle: "alice@remote.example",
			setup:  func(c *MockHTTPClient) { c.Err = errors.New("dial tcp: timeout") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, db, client := newTestDiscovery()
			if tt.setup != nil {
				tt.setup(client)
			}
			if actor := svc.ResolveHandle(context.Background(), tt.handle); actor != nil {
				t.Errorf("Expected nil, got %+v", actor)
			}
			if len(db.Actors) != 0 {
				t.Error("Expected nothing persisted")
			}
		})
	}

	t.Run("local domain makes no request", func(t *testing.T) {
		svc, _, client := newTestDiscovery()
		svc.ResolveHandle(context.Background(), "bob@LOCAL.example")
		if len(client.Requests) != 0 {
			t.Errorf("Expected no requests, got %d", len(client.Requests))
		}
	})
}

func TestFetchActor_Idempotent(t *testing.T) {
	svc, db, client := newTestDiscovery()
	client.On(aliceURI, 200, aliceActorJSON)

	first, err := svc.FetchActor(context.Background(), aliceURI)
	if err != nil {
		t.Fatalf("FetchActor failed: %v", err)
	}
	second, err := svc.FetchActor(context.Background(), aliceURI)
	if err != nil {
		t.Fatalf("Second FetchActor failed: %v", err)
	}
	if first.Id != second.Id {
		t.Error("Expected the same actor row")
	}
	if len(db.Actors) != 1 {
		t.Errorf("Expected one actor row, got %d", len(db.Actors))
	}
	if n := client.RequestCount(aliceURI); n != 1 {
		t.Errorf("Expected one fetch of the actor document, got %d", n)
	}
}

func TestFetchActor_RejectsForeignId(t *testing.T) {
	svc, db, client := newTestDiscovery()
	client.On(aliceURI, 200, `{"id":"https://evil.example/users/alice","type":"Person","inbox":"https://evil.example/inbox"}`)

	if _, err := svc.FetchActor(context.Background(), aliceURI); err == nil {
		t.Error("Expected error for an actor document served for another host")
	}
	if len(db.Actors) != 0 {
		t.Error("Expected nothing persisted")
	}
}

func TestRefreshActor(t *testing.T) {
	svc, db, client := newTestDiscovery()
	existing := addRemoteActor(db, aliceURI, "alice", "OLD")
	client.On(aliceURI, 200, aliceActorJSON)

	fresh, err := svc.RefreshActor(context.Background(), aliceURI)
	if err != nil {
		t.Fatalf("RefreshActor failed: %v", err)
	}
	if fresh.Id != existing.Id {
		t.Error("Expected refresh to keep the row id")
	}
	stored, _ := db.ReadActorByURI(aliceURI)
	if stored.PublicKeyPem != "PEM" || stored.DisplayName != "Alice" {
		t.Errorf("Expected refreshed profile, got %+v", stored)
	}
}

func TestRefreshActor_SkipsLocal(t *testing.T) {
	svc, db, client := newTestDiscovery()
	_, bob := addTestPublisher(t, db, "bob")

	got, err := svc.RefreshActor(context.Background(), bob.URI)
	if err != nil || got == nil || got.Id != bob.Id {
		t.Fatalf("Expected local actor back, got %+v, %v", got, err)
	}
	if len(client.Requests) != 0 {
		t.Error("Local actors are never fetched")
	}
}

func TestGetOrCreateInstance_NodeInfo(t *testing.T) {
	svc, db, client := newTestDiscovery()
	client.On("https://remote.example/.well-known/nodeinfo", 200,
		`{"links":[{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"https://remote.example/nodeinfo/2.0"}]}`)
	client.On("https://remote.example/nodeinfo/2.0", 200,
		`{"version":"2.0","software":{"name":"mastodon","version":"4.3.0"},"metadata":{"nodeName":"Remote Town"}}`)

	inst, err := svc.GetOrCreateInstance(context.Background(), "Remote.Example")
	if err != nil {
		t.Fatalf("GetOrCreateInstance failed: %v", err)
	}
	if inst.Domain != "remote.example" {
		t.Errorf("Expected lowercased domain, got %s", inst.Domain)
	}
	stored, _ := db.ReadInstanceByDomain("remote.example")
	if stored.Software != "mastodon" || stored.Version != "4.3.0" || stored.Name != "Remote Town" {
		t.Errorf("Unexpected metadata %+v", stored)
	}
	if stored.LastFetchedAt == nil {
		t.Error("Expected LastFetchedAt to be set")
	}

	again, _ := svc.GetOrCreateInstance(context.Background(), "remote.example")
	if again.Id != inst.Id || len(db.Instances) != 1 {
		t.Error("Expected the existing instance to be reused")
	}
}

func TestGetOrCreateInstance_NodeInfoMissing(t *testing.T) {
	svc, db, _ := newTestDiscovery()

	inst, err := svc.GetOrCreateInstance(context.Background(), "quiet.example")
	if err != nil {
		t.Fatalf("Missing NodeInfo must not fail instance creation: %v", err)
	}
	stored, _ := db.ReadInstanceByDomain("quiet.example")
	if stored == nil || stored.Id != inst.Id || stored.Software != "" {
		t.Errorf("Expected a bare instance row, got %+v", stored)
	}
}

func TestSearchActors(t *testing.T) {
	svc, db, client := newTestDiscovery()
	addTestPublisher(t, db, "alicia")
	client.On(aliceWebFingerURL, 200, aliceWebFinger)
	client.On(aliceURI, 200, aliceActorJSON)

	results, err := svc.SearchActors(context.Background(), "alice@remote.example", 10, true)
	if err != nil {
		t.Fatalf("SearchActors failed: %v", err)
	}
	if len(results) == 0 || results[0].URI != aliceURI {
		t.Fatalf("Expected remote result first, got %+v", results)
	}

	// now stored locally, must not appear twice
	results, err = svc.SearchActors(context.Background(), "alice@remote.example", 10, true)
	if err != nil {
		t.Fatalf("SearchActors failed: %v", err)
	}
	count := 0
	for _, a := range results {
		if a.URI == aliceURI {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected alice once, got %d", count)
	}

	local, err := svc.SearchActors(context.Background(), "ali", 10, false)
	if err != nil {
		t.Fatalf("SearchActors failed: %v", err)
	}
	if len(local) != 2 {
		t.Errorf("Expected alice and alicia from the local index, got %d", len(local))
	}
}

func TestParseWebFinger(t *testing.T) {
	links, err := parseWebFinger([]byte(aliceWebFinger), "application/jrd+json")
	if err != nil {
		t.Fatalf("parseWebFinger failed: %v", err)
	}
	if got := selfLink(links); got != aliceURI {
		t.Errorf("Expected self link %s, got %s", aliceURI, got)
	}

	ldLinks := []WebFingerLink{{Rel: "self", Type: `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`, Href: "x"}}
	if selfLink(ldLinks) != "x" {
		t.Error("Expected ld+json self link to be accepted")
	}
	if selfLink([]WebFingerLink{{Rel: "self", Type: "text/html", Href: "y"}}) != "" {
		t.Error("Expected html self link to be ignored")
	}
}

func TestFetchActor_RequiresInbox(t *testing.T) {
	svc, db, client := newTestDiscovery()
	client.On(aliceURI, 200, `{"id":"https://remote.example/users/alice","type":"Person","inbox":"not a url"}`)

	if _, err := svc.FetchActor(context.Background(), aliceURI); err == nil {
		t.Error("Expected error for an actor without an inbox URL")
	}
	if len(db.Actors) != 0 {
		t.Error("Expected nothing persisted")
	}
}

package activitypub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

const testDomain = "local.example"

var (
	testKeysOnce sync.Once
	testPrivPem  string
	testPubPem   string
	testKeysErr  error
)

// testKeys returns one keypair shared by the whole package's tests
func testKeys(t *testing.T) (string, string) {
	t.Helper()
	testKeysOnce.Do(func() {
		testPrivPem, testPubPem, testKeysErr = KeyService{}.GenerateKeyPair()
	})
	if testKeysErr != nil {
		t.Fatalf("Failed to generate key pair: %v", testKeysErr)
	}
	return testPrivPem, testPubPem
}

// addTestPublisher stores a publisher with keys and its local actor
func addTestPublisher(t *testing.T, db *MockDatabase, name string) (*domain.Publisher, *domain.Actor) {
	t.Helper()
	priv, pub := testKeys(t)
	publisher := &domain.Publisher{
		Id:            uuid.New(),
		Name:          name,
		Nick:          name,
		PrivateKeyPem: priv,
		PublicKeyPem:  pub,
		CreatedAt:     time.Now().UTC(),
	}
	db.AddPublisher(publisher)

	urls := URLs{Domain: testDomain}
	actor := &domain.Actor{
		Id:           uuid.New(),
		URI:          urls.Actor(name),
		Type:         domain.ActorPerson,
		Username:     name,
		InboxURI:     urls.Inbox(name),
		OutboxURI:    urls.Outbox(name),
		FollowersURI: urls.Followers(name),
		FollowingURI: urls.Following(name),
		PublicKeyId:  urls.KeyId(name),
		PublicKeyPem: pub,
		PublisherId:  publisher.Id,
		CreatedAt:    time.Now().UTC(),
	}
	db.AddActor(actor)
	return publisher, actor
}

// addRemoteActor stores a remote actor and its instance
func addRemoteActor(db *MockDatabase, uri, username, publicPem string) *domain.Actor {
	host, _ := extractDomain(uri)
	inst, _ := db.ReadInstanceByDomain(host)
	if inst == nil {
		inst = &domain.Instance{Id: uuid.New(), Domain: host, CreatedAt: time.Now().UTC()}
		db.CreateInstance(inst)
	}
	actor := &domain.Actor{
		Id:           uuid.New(),
		URI:          uri,
		Type:         domain.ActorPerson,
		Username:     username,
		InboxURI:     uri + "/inbox",
		FollowersURI: uri + "/followers",
		PublicKeyId:  KeyIdFor(uri),
		PublicKeyPem: publicPem,
		InstanceId:   inst.Id,
		CreatedAt:    time.Now().UTC(),
	}
	db.AddActor(actor)
	return actor
}

func addFollower(t *testing.T, db *MockDatabase, follower, target *domain.Actor) {
	t.Helper()
	err := db.UpsertRelationship(&domain.Relationship{
		ActorId:       follower.Id,
		TargetActorId: target.Id,
		State:         domain.RelationshipAccepted,
	})
	if err != nil {
		t.Fatalf("Failed to add follower: %v", err)
	}
}

// stubResolver resolves actors from the mock database only
type stubResolver struct {
	db        *MockDatabase
	refreshed []string
	err       error
}

func (r *stubResolver) FetchActor(ctx context.Context, uri string) (*domain.Actor, error) {
	if r.err != nil {
		return nil, r.err
	}
	actor, err := r.db.ReadActorByURI(uri)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, fmt.Errorf("actor %s not found", uri)
	}
	return actor, nil
}

func (r *stubResolver) RefreshActor(ctx context.Context, uri string) (*domain.Actor, error) {
	r.refreshed = append(r.refreshed, uri)
	return r.FetchActor(ctx, uri)
}

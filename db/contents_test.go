package db

import (
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

func TestCreateContent_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, "https://remote.example/users/alice", "alice")

	c := &domain.Content{
		Id:          uuid.New(),
		URI:         "https://remote.example/notes/1",
		Type:        "Note",
		Body:        "<p>hello</p>",
		ActorId:     alice.Id,
		Attachments: []domain.Attachment{{Type: "Image", MediaType: "image/png", URL: "https://remote.example/a.png"}},
		Mentions:    []domain.Mention{{Username: "bob", Domain: "local.example", ActorURI: "https://local.example/activitypub/actors/bob"}},
		Meta:        map[string]any{"hashtags": []any{"go"}},
	}
	created, err := db.CreateContent(c)
	if err != nil || !created {
		t.Fatalf("First CreateContent failed: created=%v err=%v", created, err)
	}

	dup := *c
	dup.Id = uuid.New()
	created, err = db.CreateContent(&dup)
	if err != nil {
		t.Fatalf("Second CreateContent failed: %v", err)
	}
	if created {
		t.Error("Duplicate URI should not create a row")
	}

	read, err := db.ReadContentByURI(c.URI)
	if err != nil {
		t.Fatalf("ReadContentByURI failed: %v", err)
	}
	if read.Id != c.Id {
		t.Errorf("Expected original id %s, got %s", c.Id, read.Id)
	}
	if len(read.Attachments) != 1 || read.Attachments[0].MediaType != "image/png" {
		t.Errorf("Attachments not round-tripped: %+v", read.Attachments)
	}
	if len(read.Mentions) != 1 || read.Mentions[0].Username != "bob" {
		t.Errorf("Mentions not round-tripped: %+v", read.Mentions)
	}
	if read.Meta["hashtags"] == nil {
		t.Errorf("Meta not round-tripped: %+v", read.Meta)
	}
}

func TestCreateContent_CountsReplies(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, "https://remote.example/users/alice", "alice")
	parent := createTestContent(t, db, alice, "https://remote.example/notes/parent")

	reply := &domain.Content{Id: uuid.New(), URI: "https://remote.example/notes/reply", Type: "Note", ActorId: alice.Id, InReplyToURI: parent.URI}
	if _, err := db.CreateContent(reply); err != nil {
		t.Fatalf("CreateContent failed: %v", err)
	}
	dup := *reply
	dup.Id = uuid.New()
	db.CreateContent(&dup)

	read, _ := db.ReadContentByURI(parent.URI)
	if read.RepliesCount != 1 {
		t.Errorf("Expected 1 reply, got %d", read.RepliesCount)
	}
}

func TestReactions_AnnounceCountsBoosts(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, "https://remote.example/users/alice", "alice")
	c := createTestContent(t, db, alice, "https://remote.example/notes/1")

	boost := &domain.Reaction{
		Id:        uuid.New(),
		URI:       "https://remote.example/announces/1",
		Type:      domain.ReactionAnnounce,
		Symbol:    domain.AnnounceSymbol,
		ContentId: c.Id,
		ActorId:   alice.Id,
	}
	if created, err := db.AddReaction(boost); err != nil || !created {
		t.Fatalf("AddReaction failed: created=%v err=%v", created, err)
	}
	read, _ := db.ReadContentByURI(c.URI)
	if read.BoostCount != 1 || read.LikeCount != 0 {
		t.Errorf("Expected boost 1 like 0, got boost %d like %d", read.BoostCount, read.LikeCount)
	}

	if removed, err := db.RemoveReaction(boost.Id); err != nil || !removed {
		t.Fatalf("RemoveReaction failed: removed=%v err=%v", removed, err)
	}
	if removed, _ := db.RemoveReaction(boost.Id); removed {
		t.Error("Second RemoveReaction should be a no-op")
	}
	read, _ = db.ReadContentByURI(c.URI)
	if read.BoostCount != 0 {
		t.Errorf("Expected boost count 0, got %d", read.BoostCount)
	}
}

func TestCounterColumn(t *testing.T) {
	if col, err := counterColumn(domain.CounterBoosts); err != nil || col != "boost_count" {
		t.Errorf("Expected boost_count, got %q (%v)", col, err)
	}
	if _, err := counterColumn(domain.ContentCounter("id = 1; --")); err == nil {
		t.Error("Unknown counter should be rejected")
	}
}

func TestSoftDeleteAndTouchContent(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, "https://remote.example/users/alice", "alice")
	c := createTestContent(t, db, alice, "https://remote.example/notes/1")

	now := time.Now().UTC()
	if err := db.TouchContent(c.Id, now); err != nil {
		t.Fatalf("TouchContent failed: %v", err)
	}
	if err := db.SoftDeleteContent(c.Id, now); err != nil {
		t.Fatalf("SoftDeleteContent failed: %v", err)
	}
	read, _ := db.ReadContentByURI(c.URI)
	if read.EditedAt == nil {
		t.Error("Expected EditedAt after touch")
	}
	if !read.IsDeleted() {
		t.Error("Expected content to be soft deleted")
	}
}

func TestReactions_CounterConsistency(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, "https://remote.example/users/alice", "alice")
	c := createTestContent(t, db, alice, "https://remote.example/notes/1")

	r := &domain.Reaction{
		Id:        uuid.New(),
		URI:       "https://remote.example/likes/1",
		Type:      domain.ReactionLike,
		Symbol:    domain.DefaultReactionSymbol,
		ContentId: c.Id,
		ActorId:   alice.Id,
	}
	created, err := db.AddReaction(r)
	if err != nil || !created {
		t.Fatalf("AddReaction failed: created=%v err=%v", created, err)
	}
	dup := *r
	dup.Id = uuid.New()
	created, err = db.AddReaction(&dup)
	if err != nil || created {
		t.Fatalf("Duplicate reaction should be ignored: created=%v err=%v", created, err)
	}

	read, _ := db.ReadContentByURI(c.URI)
	if read.LikeCount != 1 {
		t.Errorf("Expected like count 1, got %d", read.LikeCount)
	}

	byURI, err := db.ReadReactionByURI(r.URI)
	if err != nil || byURI == nil || byURI.Id != r.Id {
		t.Fatalf("ReadReactionByURI failed: %v (%v)", byURI, err)
	}
	byKey, err := db.ReadReaction(alice.Id, c.Id, domain.DefaultReactionSymbol)
	if err != nil || byKey == nil {
		t.Fatalf("ReadReaction failed: %v", err)
	}

	removed, err := db.RemoveReaction(r.Id)
	if err != nil || !removed {
		t.Fatalf("RemoveReaction failed: removed=%v err=%v", removed, err)
	}
	removed, err = db.RemoveReaction(r.Id)
	if err != nil || removed {
		t.Errorf("Second RemoveReaction should be a no-op: removed=%v err=%v", removed, err)
	}
	read, _ = db.ReadContentByURI(c.URI)
	if read.LikeCount != 0 {
		t.Errorf("Expected like count 0, got %d", read.LikeCount)
	}
}

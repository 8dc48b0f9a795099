package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

const (
	relationshipColumns      = `id, actor_id, target_actor_id, state, follow_uri, is_following, is_followed_by, followed_at, followed_back_at, reject_reason, created_at, updated_at`
	sqlSelectRelationshipBy  = `SELECT ` + relationshipColumns + ` FROM relationships WHERE `
	sqlUpsertRelationship    = `INSERT INTO relationships(` + relationshipColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, target_actor_id) DO UPDATE SET
			state = excluded.state,
			follow_uri = CASE WHEN excluded.follow_uri != '' THEN excluded.follow_uri ELSE relationships.follow_uri END,
			is_following = excluded.is_following,
			is_followed_by = excluded.is_followed_by,
			followed_at = excluded.followed_at,
			followed_back_at = excluded.followed_back_at,
			reject_reason = excluded.reject_reason,
			updated_at = excluded.updated_at`
	sqlSyncFollowedBy = `UPDATE relationships SET is_followed_by = ? WHERE actor_id = ? AND target_actor_id = ?`
	sqlReverseState   = `SELECT state FROM relationships WHERE actor_id = ? AND target_actor_id = ?`
	sqlDeleteRelationship = `DELETE FROM relationships WHERE actor_id = ? AND target_actor_id = ?`

	sqlSelectFollowers = `SELECT ` + actorColumnsPrefixed + ` FROM relationships r
		INNER JOIN actors a ON a.id = r.actor_id
		WHERE r.target_actor_id = ? AND r.state = 'Accepted'
		ORDER BY r.created_at DESC LIMIT ? OFFSET ?`
	sqlCountFollowers  = `SELECT COUNT(*) FROM relationships WHERE target_actor_id = ? AND state = 'Accepted'`
	sqlSelectFollowing = `SELECT ` + actorColumnsPrefixed + ` FROM relationships r
		INNER JOIN actors a ON a.id = r.target_actor_id
		WHERE r.actor_id = ? AND r.state = 'Accepted'
		ORDER BY r.created_at DESC LIMIT ? OFFSET ?`
	sqlCountFollowing = `SELECT COUNT(*) FROM relationships WHERE actor_id = ? AND state = 'Accepted'`

	actorColumnsPrefixed = `a.id, a.uri, a.type, a.username, a.display_name, a.bio, a.inbox_uri, a.outbox_uri, a.followers_uri, a.following_uri, a.featured_uri, a.public_key_id, a.public_key_pem, a.avatar_url, a.header_url, a.is_bot, a.is_locked, a.is_discoverable, a.instance_id, a.publisher_id, a.last_fetched_at, a.last_activity_at, a.created_at`
)

func scanRelationship(row scanner) (*domain.Relationship, error) {
	var r domain.Relationship
	var idStr, actorId, targetId, state string
	var followedAt, followedBackAt sql.NullTime
	err := row.Scan(
		&idStr,
		&actorId,
		&targetId,
		&state,
		&r.FollowURI,
		&r.IsFollowing,
		&r.IsFollowedBy,
		&followedAt,
		&followedBackAt,
		&r.RejectReason,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Id, _ = uuid.Parse(idStr)
	r.ActorId, _ = uuid.Parse(actorId)
	r.TargetActorId, _ = uuid.Parse(targetId)
	r.State = domain.RelationshipState(state)
	r.FollowedAt = timePtr(followedAt)
	r.FollowedBackAt = timePtr(followedBackAt)
	return &r, nil
}

func (db *DB) ReadRelationship(actorId, targetActorId uuid.UUID) (*domain.Relationship, error) {
	r, err := scanRelationship(db.db.QueryRow(sqlSelectRelationshipBy+`actor_id = ? AND target_actor_id = ?`,
		actorId.String(), targetActorId.String()))
	return r, noRows(err)
}

func (db *DB) ReadRelationshipByFollowURI(uri string) (*domain.Relationship, error) {
	if uri == "" {
		return nil, nil
	}
	r, err := scanRelationship(db.db.QueryRow(sqlSelectRelationshipBy+`follow_uri = ?`, uri))
	return r, noRows(err)
}

// ReadRelationshipByTarget returns the newest edge pointing at targetActorId.
// An empty state matches any state.
func (db *DB) ReadRelationshipByTarget(targetActorId uuid.UUID, state domain.RelationshipState) (*domain.Relationship, error) {
	var row *sql.Row
	if state == "" {
		row = db.db.QueryRow(sqlSelectRelationshipBy+`target_actor_id = ? ORDER BY updated_at DESC LIMIT 1`,
			targetActorId.String())
	} else {
		row = db.db.QueryRow(sqlSelectRelationshipBy+`target_actor_id = ? AND state = ? ORDER BY updated_at DESC LIMIT 1`,
			targetActorId.String(), string(state))
	}
	r, err := scanRelationship(row)
	return r, noRows(err)
}

// UpsertRelationship inserts or updates the (actor, target) edge and keeps
// IsFollowedBy in sync on both directions.
func (db *DB) UpsertRelationship(r *domain.Relationship) error {
	now := time.Now().UTC()
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.IsFollowing = r.State == domain.RelationshipAccepted

	return db.wrapTransaction(func(tx *sql.Tx) error {
		var reverse string
		err := tx.QueryRow(sqlReverseState, r.TargetActorId.String(), r.ActorId.String()).Scan(&reverse)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		r.IsFollowedBy = r.IsFollowing && domain.RelationshipState(reverse) == domain.RelationshipAccepted

		if _, err := tx.Exec(sqlUpsertRelationship,
			r.Id.String(),
			r.ActorId.String(),
			r.TargetActorId.String(),
			string(r.State),
			r.FollowURI,
			r.IsFollowing,
			r.IsFollowedBy,
			nullTime(r.FollowedAt),
			nullTime(r.FollowedBackAt),
			r.RejectReason,
			r.CreatedAt.UTC(),
			r.UpdatedAt,
		); err != nil {
			return err
		}
		_, err = tx.Exec(sqlSyncFollowedBy, r.IsFollowedBy, r.TargetActorId.String(), r.ActorId.String())
		return err
	})
}

func (db *DB) DeleteRelationship(actorId, targetActorId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteRelationship, actorId.String(), targetActorId.String()); err != nil {
			return err
		}
		_, err := tx.Exec(sqlSyncFollowedBy, false, targetActorId.String(), actorId.String())
		return err
	})
}

func (db *DB) ReadFollowers(targetActorId uuid.UUID, limit, offset int) ([]domain.Actor, error) {
	rows, err := db.db.Query(sqlSelectFollowers, targetActorId.String(), limitArg(limit), offset)
	if err != nil {
		return nil, err
	}
	return scanActors(rows)
}

func (db *DB) CountFollowers(targetActorId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowers, targetActorId.String()).Scan(&n)
	return n, err
}

func (db *DB) ReadFollowing(actorId uuid.UUID, limit, offset int) ([]domain.Actor, error) {
	rows, err := db.db.Query(sqlSelectFollowing, actorId.String(), limitArg(limit), offset)
	if err != nil {
		return nil, err
	}
	return scanActors(rows)
}

func (db *DB) CountFollowing(actorId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowing, actorId.String()).Scan(&n)
	return n, err
}

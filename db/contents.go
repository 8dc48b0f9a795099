package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

const (
	contentColumns      = `id, uri, type, title, summary, body, content_type, language, in_reply_to_uri, is_sensitive, attachments, mentions, meta, actor_id, instance_id, post_id, replies_count, boost_count, like_count, published_at, edited_at, updated_at, deleted_at, created_at`
	sqlInsertContent    = `INSERT INTO contents(` + contentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(uri) DO NOTHING`
	sqlSelectContentBy  = `SELECT ` + contentColumns + ` FROM contents WHERE `
	sqlIncrementReplies = `UPDATE contents SET replies_count = replies_count + 1 WHERE uri = ? AND deleted_at IS NULL`
	sqlTouchContent     = `UPDATE contents SET edited_at = ?, updated_at = ? WHERE id = ?`
	sqlSoftDelete       = `UPDATE contents SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	reactionColumns       = `id, uri, type, symbol, is_local, content_id, actor_id, created_at`
	sqlSelectReactionBy   = `SELECT ` + reactionColumns + ` FROM reactions WHERE `
	sqlInsertReaction     = `INSERT INTO reactions(` + reactionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(actor_id, content_id, symbol) DO NOTHING`
	sqlSelectReactionByID = `SELECT content_id, type FROM reactions WHERE id = ?`
	sqlDeleteReaction     = `DELETE FROM reactions WHERE id = ?`
)

func counterColumn(counter domain.ContentCounter) (string, error) {
	switch counter {
	case domain.CounterReplies, domain.CounterBoosts, domain.CounterLikes:
		return string(counter), nil
	}
	return "", fmt.Errorf("unknown content counter %q", counter)
}

func scanContent(row scanner) (*domain.Content, error) {
	var c domain.Content
	var idStr, actorId, contentType, attachments, mentions, meta string
	var instanceId, postId sql.NullString
	var published, edited, deleted sql.NullTime
	err := row.Scan(
		&idStr,
		&c.URI,
		&c.Type,
		&c.Title,
		&c.Summary,
		&c.Body,
		&contentType,
		&c.Language,
		&c.InReplyToURI,
		&c.IsSensitive,
		&attachments,
		&mentions,
		&meta,
		&actorId,
		&instanceId,
		&postId,
		&c.RepliesCount,
		&c.BoostCount,
		&c.LikeCount,
		&published,
		&edited,
		&c.UpdatedAt,
		&deleted,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Id, _ = uuid.Parse(idStr)
	c.ActorId, _ = uuid.Parse(actorId)
	c.InstanceId = parseNullUUID(instanceId)
	c.PostId = parseNullUUID(postId)
	c.ContentType = domain.ContentType(contentType)
	c.PublishedAt = timePtr(published)
	c.EditedAt = timePtr(edited)
	c.DeletedAt = timePtr(deleted)
	if err := json.Unmarshal([]byte(attachments), &c.Attachments); err != nil {
		return nil, fmt.Errorf("content %s attachments: %w", c.URI, err)
	}
	if err := json.Unmarshal([]byte(mentions), &c.Mentions); err != nil {
		return nil, fmt.Errorf("content %s mentions: %w", c.URI, err)
	}
	if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
		return nil, fmt.Errorf("content %s meta: %w", c.URI, err)
	}
	return &c, nil
}

func marshalOr(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

// CreateContent inserts the content unless its URI is already known. The
// parent's reply counter is bumped in the same transaction when the row is new.
func (db *DB) CreateContent(c *domain.Content) (bool, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.ContentType == "" {
		c.ContentType = domain.ContentTypeHTML
	}
	attachments, err := marshalOr(c.Attachments, "[]")
	if err != nil {
		return false, err
	}
	mentions, err := marshalOr(c.Mentions, "[]")
	if err != nil {
		return false, err
	}
	meta, err := marshalOr(c.Meta, "{}")
	if err != nil {
		return false, err
	}

	created := false
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertContent,
			c.Id.String(),
			c.URI,
			c.Type,
			c.Title,
			c.Summary,
			c.Body,
			string(c.ContentType),
			c.Language,
			c.InReplyToURI,
			c.IsSensitive,
			attachments,
			mentions,
			meta,
			c.ActorId.String(),
			nullUUID(c.InstanceId),
			nullUUID(c.PostId),
			c.RepliesCount,
			c.BoostCount,
			c.LikeCount,
			nullTime(c.PublishedAt),
			nullTime(c.EditedAt),
			c.UpdatedAt.UTC(),
			nullTime(c.DeletedAt),
			c.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		if created && c.InReplyToURI != "" {
			_, err = tx.Exec(sqlIncrementReplies, c.InReplyToURI)
		}
		return err
	})
	return created, err
}

func (db *DB) ReadContentByURI(uri string) (*domain.Content, error) {
	c, err := scanContent(db.db.QueryRow(sqlSelectContentBy+`uri = ?`, uri))
	return c, noRows(err)
}

func (db *DB) TouchContent(id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchContent, at.UTC(), at.UTC(), id.String())
		return err
	})
}

func (db *DB) SoftDeleteContent(id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSoftDelete, at.UTC(), at.UTC(), id.String())
		return err
	})
}

func scanReaction(row scanner) (*domain.Reaction, error) {
	var r domain.Reaction
	var idStr, reactionType, contentId, actorId string
	err := row.Scan(&idStr, &r.URI, &reactionType, &r.Symbol, &r.IsLocal, &contentId, &actorId, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Id, _ = uuid.Parse(idStr)
	r.Type = domain.ReactionType(reactionType)
	r.ContentId, _ = uuid.Parse(contentId)
	r.ActorId, _ = uuid.Parse(actorId)
	return &r, nil
}

func (db *DB) ReadReaction(actorId, contentId uuid.UUID, symbol string) (*domain.Reaction, error) {
	r, err := scanReaction(db.db.QueryRow(sqlSelectReactionBy+`actor_id = ? AND content_id = ? AND symbol = ?`,
		actorId.String(), contentId.String(), symbol))
	return r, noRows(err)
}

func (db *DB) ReadReactionByURI(uri string) (*domain.Reaction, error) {
	if uri == "" {
		return nil, nil
	}
	r, err := scanReaction(db.db.QueryRow(sqlSelectReactionBy+`uri = ?`, uri))
	return r, noRows(err)
}

// AddReaction inserts the reaction unless (actor, content, symbol) already
// exists, and increments the counter of its type when it does insert.
func (db *DB) AddReaction(r *domain.Reaction) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	col, err := counterColumn(r.Type.Counter())
	if err != nil {
		return false, err
	}
	created := false
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertReaction,
			r.Id.String(),
			r.URI,
			string(r.Type),
			r.Symbol,
			r.IsLocal,
			r.ContentId.String(),
			r.ActorId.String(),
			r.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		if created {
			_, err = tx.Exec(fmt.Sprintf(`UPDATE contents SET %[1]s = %[1]s + 1 WHERE id = ?`, col), r.ContentId.String())
		}
		return err
	})
	return created, err
}

// RemoveReaction deletes the reaction and decrements its counter, floored at zero
func (db *DB) RemoveReaction(id uuid.UUID) (bool, error) {
	removed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var contentId, reactionType string
		err := tx.QueryRow(sqlSelectReactionByID, id.String()).Scan(&contentId, &reactionType)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteReaction, id.String()); err != nil {
			return err
		}
		removed = true
		col, err := counterColumn(domain.ReactionType(reactionType).Counter())
		if err != nil {
			return err
		}
		_, err = tx.Exec(fmt.Sprintf(`UPDATE contents SET %[1]s = MAX(0, %[1]s - 1) WHERE id = ?`, col), contentId)
		return err
	})
	return removed, err
}

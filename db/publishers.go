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
	publisherColumns      = `id, name, nick, bio, avatar_url, header_url, private_key_pem, public_key_pem, created_at`
	sqlInsertPublisher    = `INSERT INTO publishers(` + publisherColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPublisherBy  = `SELECT ` + publisherColumns + ` FROM publishers WHERE `
	sqlUpdatePublisherKey = `UPDATE publishers SET private_key_pem = ?, public_key_pem = ? WHERE id = ?`
	sqlCountPublishers    = `SELECT COUNT(*) FROM publishers`

	postColumns            = `id, publisher_id, type, title, description, content, tags, attachments, replied_post_id, forwarded_post_id, fediverse_uri, published_at, edited_at, created_at`
	sqlInsertPost          = `INSERT INTO posts(` + postColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPostById      = `SELECT ` + postColumns + ` FROM posts WHERE id = ?`
	sqlSelectPostsByPub    = `SELECT ` + postColumns + ` FROM posts WHERE publisher_id = ? ORDER BY published_at DESC LIMIT ? OFFSET ?`
	sqlCountPostsByPub     = `SELECT COUNT(*) FROM posts WHERE publisher_id = ?`
	sqlCountPosts          = `SELECT COUNT(*) FROM posts`
	sqlCountActivePubsDays = `SELECT COUNT(DISTINCT publisher_id) FROM posts WHERE published_at >= ?`
)

func scanPublisher(row scanner) (*domain.Publisher, error) {
	var p domain.Publisher
	var idStr string
	err := row.Scan(&idStr, &p.Name, &p.Nick, &p.Bio, &p.AvatarURL, &p.HeaderURL, &p.PrivateKeyPem, &p.PublicKeyPem, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Id, _ = uuid.Parse(idStr)
	return &p, nil
}

func (db *DB) CreatePublisher(p *domain.Publisher) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPublisher,
			p.Id.String(),
			p.Name,
			p.Nick,
			p.Bio,
			p.AvatarURL,
			p.HeaderURL,
			p.PrivateKeyPem,
			p.PublicKeyPem,
			p.CreatedAt.UTC(),
		)
		return err
	})
}

func (db *DB) ReadPublisherById(id uuid.UUID) (*domain.Publisher, error) {
	p, err := scanPublisher(db.db.QueryRow(sqlSelectPublisherBy+`id = ?`, id.String()))
	return p, noRows(err)
}

func (db *DB) ReadPublisherByName(name string) (*domain.Publisher, error) {
	p, err := scanPublisher(db.db.QueryRow(sqlSelectPublisherBy+`name = ?`, name))
	return p, noRows(err)
}

func (db *DB) UpdatePublisherKeys(id uuid.UUID, privatePem, publicPem string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePublisherKey, privatePem, publicPem, id.String())
		return err
	})
}

func (db *DB) CountPublishers() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountPublishers).Scan(&n)
	return n, err
}

// CountActivePublishers counts publishers with a post in the last days
func (db *DB) CountActivePublishers(days int) (int, error) {
	var n int
	since := time.Now().UTC().AddDate(0, 0, -days)
	err := db.db.QueryRow(sqlCountActivePubsDays, since).Scan(&n)
	return n, err
}

func scanPost(row scanner) (*domain.Post, error) {
	var p domain.Post
	var idStr, publisherId, postType, tags, attachments string
	var repliedId, forwardedId sql.NullString
	var edited sql.NullTime
	err := row.Scan(
		&idStr,
		&publisherId,
		&postType,
		&p.Title,
		&p.Description,
		&p.Content,
		&tags,
		&attachments,
		&repliedId,
		&forwardedId,
		&p.FediverseURI,
		&p.PublishedAt,
		&edited,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Id, _ = uuid.Parse(idStr)
	p.PublisherId, _ = uuid.Parse(publisherId)
	p.Type = domain.PostType(postType)
	p.RepliedPostId = parseNullUUID(repliedId)
	p.ForwardedPostId = parseNullUUID(forwardedId)
	p.EditedAt = timePtr(edited)
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("post %s tags: %w", p.Id, err)
	}
	if err := json.Unmarshal([]byte(attachments), &p.Attachments); err != nil {
		return nil, fmt.Errorf("post %s attachments: %w", p.Id, err)
	}
	return &p, nil
}

func (db *DB) CreatePost(p *domain.Post) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = p.CreatedAt
	}
	if p.Type == "" {
		p.Type = domain.PostMoment
	}
	tags, err := marshalOr(p.Tags, "[]")
	if err != nil {
		return err
	}
	attachments, err := marshalOr(p.Attachments, "[]")
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost,
			p.Id.String(),
			p.PublisherId.String(),
			string(p.Type),
			p.Title,
			p.Description,
			p.Content,
			tags,
			attachments,
			nullUUID(p.RepliedPostId),
			nullUUID(p.ForwardedPostId),
			p.FediverseURI,
			p.PublishedAt.UTC(),
			nullTime(p.EditedAt),
			p.CreatedAt.UTC(),
		)
		return err
	})
}

func (db *DB) ReadPostById(id uuid.UUID) (*domain.Post, error) {
	p, err := scanPost(db.db.QueryRow(sqlSelectPostById, id.String()))
	return p, noRows(err)
}

// ReadPostsByPublisher returns posts newest first
func (db *DB) ReadPostsByPublisher(publisherId uuid.UUID, limit, offset int) ([]domain.Post, error) {
	rows, err := db.db.Query(sqlSelectPostsByPub, publisherId.String(), limitArg(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func (db *DB) CountPostsByPublisher(publisherId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountPostsByPub, publisherId.String()).Scan(&n)
	return n, err
}

func (db *DB) CountPosts() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountPosts).Scan(&n)
	return n, err
}

package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// Instances
const (
	instanceColumns        = `id, domain, name, software, version, is_blocked, is_silenced, block_reason, last_fetched_at, last_activity_at, created_at`
	sqlInsertInstance      = `INSERT INTO instances(` + instanceColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectInstanceBy    = `SELECT ` + instanceColumns + ` FROM instances WHERE `
	sqlUpdateInstance      = `UPDATE instances SET name = ?, software = ?, version = ?, is_blocked = ?, is_silenced = ?, block_reason = ?, last_fetched_at = ? WHERE id = ?`
	sqlTouchInstance       = `UPDATE instances SET last_activity_at = ? WHERE id = ?`
	sqlCountInstances      = `SELECT COUNT(*) FROM instances`
	sqlSelectActorBy       = `SELECT ` + actorColumns + ` FROM actors WHERE `
	sqlTouchActor          = `UPDATE actors SET last_activity_at = ? WHERE id = ?`
	sqlSearchActors        = `SELECT ` + actorColumns + ` FROM actors WHERE username LIKE ? ESCAPE '\' OR display_name LIKE ? ESCAPE '\' ORDER BY COALESCE(last_activity_at, created_at) DESC LIMIT ?`
	sqlCountLocalActors    = `SELECT COUNT(*) FROM actors WHERE publisher_id IS NOT NULL`
	actorColumns           = `id, uri, type, username, display_name, bio, inbox_uri, outbox_uri, followers_uri, following_uri, featured_uri, public_key_id, public_key_pem, avatar_url, header_url, is_bot, is_locked, is_discoverable, instance_id, publisher_id, last_fetched_at, last_activity_at, created_at`
	sqlInsertActor         = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActor         = `UPDATE actors SET type = ?, username = ?, display_name = ?, bio = ?, inbox_uri = ?, outbox_uri = ?, followers_uri = ?, following_uri = ?, featured_uri = ?, public_key_id = ?, public_key_pem = ?, avatar_url = ?, header_url = ?, is_bot = ?, is_locked = ?, is_discoverable = ?, instance_id = ?, last_fetched_at = ? WHERE id = ?`
)

func scanInstance(row scanner) (*domain.Instance, error) {
	var inst domain.Instance
	var idStr string
	var lastFetched, lastActivity sql.NullTime
	err := row.Scan(
		&idStr,
		&inst.Domain,
		&inst.Name,
		&inst.Software,
		&inst.Version,
		&inst.IsBlocked,
		&inst.IsSilenced,
		&inst.BlockReason,
		&lastFetched,
		&lastActivity,
		&inst.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Id, _ = uuid.Parse(idStr)
	inst.LastFetchedAt = timePtr(lastFetched)
	inst.LastActivityAt = timePtr(lastActivity)
	return &inst, nil
}

func (db *DB) CreateInstance(inst *domain.Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertInstance,
			inst.Id.String(),
			strings.ToLower(inst.Domain),
			inst.Name,
			inst.Software,
			inst.Version,
			inst.IsBlocked,
			inst.IsSilenced,
			inst.BlockReason,
			nullTime(inst.LastFetchedAt),
			nullTime(inst.LastActivityAt),
			inst.CreatedAt.UTC(),
		)
		return err
	})
}

func (db *DB) ReadInstanceByDomain(domain string) (*domain.Instance, error) {
	inst, err := scanInstance(db.db.QueryRow(sqlSelectInstanceBy+`domain = ?`, strings.ToLower(domain)))
	return inst, noRows(err)
}

func (db *DB) ReadInstanceById(id uuid.UUID) (*domain.Instance, error) {
	inst, err := scanInstance(db.db.QueryRow(sqlSelectInstanceBy+`id = ?`, id.String()))
	return inst, noRows(err)
}

func (db *DB) UpdateInstance(inst *domain.Instance) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateInstance,
			inst.Name,
			inst.Software,
			inst.Version,
			inst.IsBlocked,
			inst.IsSilenced,
			inst.BlockReason,
			nullTime(inst.LastFetchedAt),
			inst.Id.String(),
		)
		return err
	})
}

func (db *DB) TouchInstance(id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchInstance, at.UTC(), id.String())
		return err
	})
}

// CountInstances returns the number of known remote servers
func (db *DB) CountInstances() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountInstances).Scan(&n)
	return n, err
}

// Actors

func scanActor(row scanner) (*domain.Actor, error) {
	var a domain.Actor
	var idStr, actorType string
	var instanceId, publisherId sql.NullString
	var lastFetched, lastActivity sql.NullTime
	err := row.Scan(
		&idStr,
		&a.URI,
		&actorType,
		&a.Username,
		&a.DisplayName,
		&a.Bio,
		&a.InboxURI,
		&a.OutboxURI,
		&a.FollowersURI,
		&a.FollowingURI,
		&a.FeaturedURI,
		&a.PublicKeyId,
		&a.PublicKeyPem,
		&a.AvatarURL,
		&a.HeaderURL,
		&a.IsBot,
		&a.IsLocked,
		&a.IsDiscoverable,
		&instanceId,
		&publisherId,
		&lastFetched,
		&lastActivity,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Id, _ = uuid.Parse(idStr)
	a.Type = domain.ActorType(actorType)
	a.InstanceId = parseNullUUID(instanceId)
	a.PublisherId = parseNullUUID(publisherId)
	a.LastFetchedAt = timePtr(lastFetched)
	a.LastActivityAt = timePtr(lastActivity)
	return &a, nil
}

func scanActors(rows *sql.Rows) ([]domain.Actor, error) {
	defer rows.Close()
	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

func (db *DB) CreateActor(a *domain.Actor) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Type == "" {
		a.Type = domain.ActorPerson
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActor,
			a.Id.String(),
			a.URI,
			string(a.Type),
			a.Username,
			a.DisplayName,
			a.Bio,
			a.InboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.FollowingURI,
			a.FeaturedURI,
			a.PublicKeyId,
			a.PublicKeyPem,
			a.AvatarURL,
			a.HeaderURL,
			a.IsBot,
			a.IsLocked,
			a.IsDiscoverable,
			nullUUID(a.InstanceId),
			nullUUID(a.PublisherId),
			nullTime(a.LastFetchedAt),
			nullTime(a.LastActivityAt),
			a.CreatedAt.UTC(),
		)
		return err
	})
}

func (db *DB) ReadActorByURI(uri string) (*domain.Actor, error) {
	a, err := scanActor(db.db.QueryRow(sqlSelectActorBy+`uri = ?`, uri))
	return a, noRows(err)
}

func (db *DB) ReadActorById(id uuid.UUID) (*domain.Actor, error) {
	a, err := scanActor(db.db.QueryRow(sqlSelectActorBy+`id = ?`, id.String()))
	return a, noRows(err)
}

func (db *DB) ReadActorByPublisherId(publisherId uuid.UUID) (*domain.Actor, error) {
	a, err := scanActor(db.db.QueryRow(sqlSelectActorBy+`publisher_id = ?`, publisherId.String()))
	return a, noRows(err)
}

// UpdateActor rewrites the fetched profile fields. The URI and publisher link never change.
func (db *DB) UpdateActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActor,
			string(a.Type),
			a.Username,
			a.DisplayName,
			a.Bio,
			a.InboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.FollowingURI,
			a.FeaturedURI,
			a.PublicKeyId,
			a.PublicKeyPem,
			a.AvatarURL,
			a.HeaderURL,
			a.IsBot,
			a.IsLocked,
			a.IsDiscoverable,
			nullUUID(a.InstanceId),
			nullTime(a.LastFetchedAt),
			a.Id.String(),
		)
		return err
	})
}

func (db *DB) TouchActor(id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchActor, at.UTC(), id.String())
		return err
	})
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchActors matches query as a substring of username or display name,
// most recently active first.
func (db *DB) SearchActors(query string, limit int) ([]domain.Actor, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	rows, err := db.db.Query(sqlSearchActors, pattern, pattern, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return scanActors(rows)
}

// CountLocalActors returns the number of actors backed by a publisher
func (db *DB) CountLocalActors() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountLocalActors).Scan(&n)
	return n, err
}

package db

import (
	"database/sql"
	"log"
)

const (
	sqlCreateInstancesTable = `CREATE TABLE IF NOT EXISTS instances (
		id TEXT NOT NULL PRIMARY KEY,
		domain TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		software TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		is_blocked INTEGER NOT NULL DEFAULT 0,
		is_silenced INTEGER NOT NULL DEFAULT 0,
		block_reason TEXT NOT NULL DEFAULT '',
		last_fetched_at TIMESTAMP,
		last_activity_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL DEFAULT 'Person',
		username TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		following_uri TEXT NOT NULL DEFAULT '',
		featured_uri TEXT NOT NULL DEFAULT '',
		public_key_id TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		header_url TEXT NOT NULL DEFAULT '',
		is_bot INTEGER NOT NULL DEFAULT 0,
		is_locked INTEGER NOT NULL DEFAULT 0,
		is_discoverable INTEGER NOT NULL DEFAULT 0,
		instance_id TEXT REFERENCES instances(id),
		publisher_id TEXT UNIQUE,
		last_fetched_at TIMESTAMP,
		last_activity_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_username ON actors(username);
		CREATE INDEX IF NOT EXISTS idx_actors_instance_id ON actors(instance_id);
	`

	sqlCreateRelationshipsTable = `CREATE TABLE IF NOT EXISTS relationships (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id),
		target_actor_id TEXT NOT NULL REFERENCES actors(id),
		state TEXT NOT NULL,
		follow_uri TEXT NOT NULL DEFAULT '',
		is_following INTEGER NOT NULL DEFAULT 0,
		is_followed_by INTEGER NOT NULL DEFAULT 0,
		followed_at TIMESTAMP,
		followed_back_at TIMESTAMP,
		reject_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(actor_id, target_actor_id)
	)`

	sqlCreateRelationshipsIndices = `
		CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_actor_id, state);
		CREATE INDEX IF NOT EXISTS idx_relationships_follow_uri ON relationships(follow_uri);
	`

	sqlCreateContentsTable = `CREATE TABLE IF NOT EXISTS contents (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT 'text/html',
		language TEXT NOT NULL DEFAULT '',
		in_reply_to_uri TEXT NOT NULL DEFAULT '',
		is_sensitive INTEGER NOT NULL DEFAULT 0,
		attachments TEXT NOT NULL DEFAULT '[]',
		mentions TEXT NOT NULL DEFAULT '[]',
		meta TEXT NOT NULL DEFAULT '{}',
		actor_id TEXT NOT NULL REFERENCES actors(id),
		instance_id TEXT,
		post_id TEXT,
		replies_count INTEGER NOT NULL DEFAULT 0,
		boost_count INTEGER NOT NULL DEFAULT 0,
		like_count INTEGER NOT NULL DEFAULT 0,
		published_at TIMESTAMP,
		edited_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateContentsIndices = `
		CREATE INDEX IF NOT EXISTS idx_contents_actor_id ON contents(actor_id);
		CREATE INDEX IF NOT EXISTS idx_contents_in_reply_to ON contents(in_reply_to_uri);
	`

	sqlCreateReactionsTable = `CREATE TABLE IF NOT EXISTS reactions (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		is_local INTEGER NOT NULL DEFAULT 0,
		content_id TEXT NOT NULL REFERENCES contents(id),
		actor_id TEXT NOT NULL REFERENCES actors(id),
		created_at TIMESTAMP NOT NULL,
		UNIQUE(actor_id, content_id, symbol)
	)`

	sqlCreateReactionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_reactions_uri ON reactions(uri);
		CREATE INDEX IF NOT EXISTS idx_reactions_content_id ON reactions(content_id);
	`

	sqlCreatePublishersTable = `CREATE TABLE IF NOT EXISTS publishers (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		nick TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		header_url TEXT NOT NULL DEFAULT '',
		private_key_pem TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		publisher_id TEXT NOT NULL REFERENCES publishers(id),
		type TEXT NOT NULL DEFAULT 'moment',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		attachments TEXT NOT NULL DEFAULT '[]',
		replied_post_id TEXT,
		forwarded_post_id TEXT,
		fediverse_uri TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMP NOT NULL,
		edited_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_publisher ON posts(publisher_id, published_at DESC);
	`

	sqlCreateDeliveryRecordsTable = `CREATE TABLE IF NOT EXISTS delivery_records (
		id TEXT NOT NULL PRIMARY KEY,
		activity_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		activity_body TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		target_actor_uri TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMP,
		next_retry_at TIMESTAMP,
		sent_at TIMESTAMP,
		error_message TEXT NOT NULL DEFAULT '',
		response_status_code INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`

	sqlCreateDeliveryRecordsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_records_retry ON delivery_records(status, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_records_updated ON delivery_records(status, updated_at);
	`

	sqlCreateInboxActivitiesTable = `CREATE TABLE IF NOT EXISTS inbox_activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateInboxActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_inbox_activities_created_at ON inbox_activities(created_at DESC);
	`
)

type tableDef struct {
	name    string
	create  string
	indices string
}

var schema = []tableDef{
	{"instances", sqlCreateInstancesTable, ""},
	{"actors", sqlCreateActorsTable, sqlCreateActorsIndices},
	{"relationships", sqlCreateRelationshipsTable, sqlCreateRelationshipsIndices},
	{"contents", sqlCreateContentsTable, sqlCreateContentsIndices},
	{"reactions", sqlCreateReactionsTable, sqlCreateReactionsIndices},
	{"publishers", sqlCreatePublishersTable, ""},
	{"posts", sqlCreatePostsTable, sqlCreatePostsIndices},
	{"delivery_records", sqlCreateDeliveryRecordsTable, sqlCreateDeliveryRecordsIndices},
	{"inbox_activities", sqlCreateInboxActivitiesTable, sqlCreateInboxActivitiesIndices},
}

// RunMigrations creates every table and index that does not exist yet.
// It is safe to run on every start.
func (db *DB) RunMigrations() error {
	log.Println("Running database migrations...")
	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, t := range schema {
			if err := db.createTableIfNotExists(tx, t.create, t.name); err != nil {
				return err
			}
		}
		for _, t := range schema {
			if t.indices == "" {
				continue
			}
			if _, err := tx.Exec(t.indices); err != nil {
				log.Printf("Warning: Failed to create %s indices: %v", t.name, err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		log.Printf("Failed to create table %s: %v", tableName, err)
		return err
	}
	return nil
}

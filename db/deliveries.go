package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

const (
	deliveryColumns     = `id, activity_id, activity_type, activity_body, actor_uri, inbox_uri, target_actor_uri, status, retry_count, last_attempt_at, next_retry_at, sent_at, error_message, response_status_code, created_at, updated_at`
	sqlInsertDelivery   = `INSERT INTO delivery_records(` + deliveryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDelivery   = `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE id = ?`
	sqlUpdateDelivery   = `UPDATE delivery_records SET status = ?, retry_count = ?, last_attempt_at = ?, next_retry_at = ?, sent_at = ?, error_message = ?, response_status_code = ?, updated_at = ? WHERE id = ?`
	sqlSelectRetryable  = `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE status = 'Failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`
	sqlSelectStale      = `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE status IN ('Pending', 'Processing') AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`
	sqlSelectExpiredIds = `SELECT id FROM delivery_records WHERE status IN ('Sent', 'ExhaustedRetries') AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`
	sqlDeleteDelivery   = `DELETE FROM delivery_records WHERE id = ?`

	sqlInsertInboxActivity = `INSERT INTO inbox_activities(id, activity_uri, activity_type, actor_uri, object_uri, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectInboxActivity = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, created_at FROM inbox_activities WHERE activity_uri = ?`
	sqlDeleteInboxActivity = `DELETE FROM inbox_activities WHERE activity_uri = ?`
)

func scanDelivery(row scanner) (*domain.DeliveryRecord, error) {
	var r domain.DeliveryRecord
	var idStr, status string
	var lastAttempt, nextRetry, sent sql.NullTime
	err := row.Scan(
		&idStr,
		&r.ActivityId,
		&r.ActivityType,
		&r.ActivityBody,
		&r.ActorURI,
		&r.InboxURI,
		&r.TargetActorURI,
		&status,
		&r.RetryCount,
		&lastAttempt,
		&nextRetry,
		&sent,
		&r.ErrorMessage,
		&r.ResponseStatusCode,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Id, _ = uuid.Parse(idStr)
	r.Status = domain.DeliveryStatus(status)
	r.LastAttemptAt = timePtr(lastAttempt)
	r.NextRetryAt = timePtr(nextRetry)
	r.SentAt = timePtr(sent)
	return &r, nil
}

func (db *DB) CreateDeliveryRecord(r *domain.DeliveryRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = domain.DeliveryPending
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDelivery,
			r.Id.String(),
			r.ActivityId,
			r.ActivityType,
			r.ActivityBody,
			r.ActorURI,
			r.InboxURI,
			r.TargetActorURI,
			string(r.Status),
			r.RetryCount,
			nullTime(r.LastAttemptAt),
			nullTime(r.NextRetryAt),
			nullTime(r.SentAt),
			r.ErrorMessage,
			r.ResponseStatusCode,
			r.CreatedAt.UTC(),
			r.UpdatedAt,
		)
		return err
	})
}

func (db *DB) ReadDeliveryRecord(id uuid.UUID) (*domain.DeliveryRecord, error) {
	r, err := scanDelivery(db.db.QueryRow(sqlSelectDelivery, id.String()))
	return r, noRows(err)
}

// UpdateDeliveryRecord persists the mutable attempt bookkeeping of a record
func (db *DB) UpdateDeliveryRecord(r *domain.DeliveryRecord) error {
	r.UpdatedAt = time.Now().UTC()
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDelivery,
			string(r.Status),
			r.RetryCount,
			nullTime(r.LastAttemptAt),
			nullTime(r.NextRetryAt),
			nullTime(r.SentAt),
			r.ErrorMessage,
			r.ResponseStatusCode,
			r.UpdatedAt,
			r.Id.String(),
		)
		return err
	})
}

// ReadRetryableDeliveries returns Failed records due at now, oldest due first
func (db *DB) ReadRetryableDeliveries(now time.Time, limit int) ([]domain.DeliveryRecord, error) {
	return db.queryDeliveries(sqlSelectRetryable, now.UTC(), limitArg(limit))
}

// ReadStaleDeliveries returns Pending and Processing records last touched before the cutoff
func (db *DB) ReadStaleDeliveries(before time.Time, limit int) ([]domain.DeliveryRecord, error) {
	return db.queryDeliveries(sqlSelectStale, before.UTC(), limitArg(limit))
}

func (db *DB) queryDeliveries(query string, args ...any) ([]domain.DeliveryRecord, error) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.DeliveryRecord
	for rows.Next() {
		r, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// ReadExpiredDeliveryIds returns terminal records last touched before the cutoff
func (db *DB) ReadExpiredDeliveryIds(before time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := db.db.Query(sqlSelectExpiredIds, before.UTC(), limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) DeleteDeliveryRecord(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

func (db *DB) ReadInboxActivity(activityURI string) (*domain.InboxActivity, error) {
	var a domain.InboxActivity
	var idStr string
	err := db.db.QueryRow(sqlSelectInboxActivity, activityURI).Scan(
		&idStr, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.CreatedAt)
	if err != nil {
		return nil, noRows(err)
	}
	a.Id, _ = uuid.Parse(idStr)
	return &a, nil
}

// ClaimInboxActivity records a unless its activity id is already present,
// reporting whether this call inserted it
func (db *DB) ClaimInboxActivity(a *domain.InboxActivity) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	claimed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertInboxActivity,
			a.Id.String(),
			a.ActivityURI,
			a.ActivityType,
			a.ActorURI,
			a.ObjectURI,
			a.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// DeleteInboxActivity releases a claim so a later redelivery is applied
func (db *DB) DeleteInboxActivity(activityURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteInboxActivity, activityURI)
		return err
	})
}

package syncstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/newsbridge/livesync/internal/liveblog"
)

const (
	postgresWatermarkTable   = "livesync_watermarks"
	postgresRecordTable      = "livesync_records"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps watermarks and sync records in two small tables,
// created lazily on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) LastSynced(ctx context.Context, sourceID string) (*time.Time, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var t time.Time
	err := s.db.QueryRowContext(opCtx,
		fmt.Sprintf("SELECT last_synced FROM %s WHERE source_id = $1", postgresWatermarkTable),
		sourceID,
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func (s *PostgresStore) SetLastSynced(ctx context.Context, sourceID string, t time.Time) error {
	if sourceID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(opCtx, fmt.Sprintf(`
		INSERT INTO %s (source_id, last_synced, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source_id)
		DO UPDATE SET last_synced = EXCLUDED.last_synced, updated_at = NOW()`, postgresWatermarkTable),
		sourceID, t.UTC())
	return err
}

func (s *PostgresStore) Lookup(ctx context.Context, postID string) (*liveblog.SyncRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var record liveblog.SyncRecord
	var targetDocID, targetDocEtag sql.NullString
	err := s.db.QueryRowContext(opCtx, fmt.Sprintf(`
		SELECT post_id, source_id, target_id, target_doc_id, target_doc_etag, synced_at
		FROM %s WHERE post_id = $1`, postgresRecordTable),
		postID,
	).Scan(&record.PostID, &record.SourceID, &record.TargetID, &targetDocID, &targetDocEtag, &record.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if targetDocID.Valid {
		record.TargetDoc = &liveblog.TargetDocument{
			ID:   targetDocID.String,
			Etag: targetDocEtag.String,
		}
	}
	record.SyncedAt = record.SyncedAt.UTC()
	return &record, nil
}

func (s *PostgresStore) Save(ctx context.Context, record liveblog.SyncRecord) error {
	if record.PostID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	var targetDocID, targetDocEtag sql.NullString
	if record.TargetDoc != nil {
		targetDocID = sql.NullString{String: record.TargetDoc.ID, Valid: true}
		targetDocEtag = sql.NullString{String: record.TargetDoc.Etag, Valid: true}
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(opCtx, fmt.Sprintf(`
		INSERT INTO %s (post_id, source_id, target_id, target_doc_id, target_doc_etag, synced_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (post_id)
		DO UPDATE SET
			source_id = EXCLUDED.source_id,
			target_id = EXCLUDED.target_id,
			target_doc_id = EXCLUDED.target_doc_id,
			target_doc_etag = EXCLUDED.target_doc_etag,
			synced_at = EXCLUDED.synced_at,
			updated_at = NOW()`, postgresRecordTable),
		record.PostID, record.SourceID, record.TargetID, targetDocID, targetDocEtag, record.SyncedAt.UTC())
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, postID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(opCtx,
		fmt.Sprintf("DELETE FROM %s WHERE post_id = $1", postgresRecordTable), postID)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				source_id TEXT PRIMARY KEY,
				last_synced TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresWatermarkTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				post_id TEXT PRIMARY KEY,
				source_id TEXT NOT NULL,
				target_id TEXT NOT NULL DEFAULT '',
				target_doc_id TEXT,
				target_doc_etag TEXT,
				synced_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresRecordTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source_id)`,
				postgresRecordTable, postgresRecordTable),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				s.initErr = err
				_ = db.Close()
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// Package store persists compact tracking snapshots to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
)

// json encodes the JSON columns with sorted map keys so identical snapshots
// produce identical rows.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Schema creates the snapshot tables if they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS taint_documents (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    label_count INTEGER NOT NULL,
    flow_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS taint_labels (
    document_id TEXT NOT NULL REFERENCES taint_documents (id) ON DELETE CASCADE,
    label_id BIGINT NOT NULL,
    type TEXT NOT NULL,
    location JSONB NOT NULL,
    info JSONB NOT NULL,
    PRIMARY KEY (document_id, label_id)
);
CREATE TABLE IF NOT EXISTS taint_flows (
    document_id TEXT NOT NULL REFERENCES taint_documents (id) ON DELETE CASCADE,
    flow_index INTEGER NOT NULL,
    sink_label_id BIGINT NOT NULL,
    taint_label_ids BIGINT[] NOT NULL,
    PRIMARY KEY (document_id, flow_index)
);
CREATE TABLE IF NOT EXISTS taint_storage_labels (
    document_id TEXT NOT NULL REFERENCES taint_documents (id) ON DELETE CASCADE,
    label_id BIGINT NOT NULL,
    PRIMARY KEY (document_id, label_id)
);
`

var (
	labelColumns   = []string{"document_id", "label_id", "type", "location", "info"}
	storageColumns = []string{"document_id", "label_id"}
)

// SnapshotRecord is one document's snapshot together with where it came from.
type SnapshotRecord struct {
	DocumentID string
	Source     string
	RecordedAt time.Time
	Snapshot   schemas.CompactTrackingResult
}

// Store provides a PostgreSQL implementation of snapshot persistence.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SaveSnapshot writes a document and its labels, flows and storage labels in a
// single transaction.
func (s *Store) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	if rec.DocumentID == "" {
		return errors.New("snapshot record has no document id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	snap := rec.Snapshot
	_, err = tx.Exec(ctx, `
        INSERT INTO taint_documents (id, source, recorded_at, label_count, flow_count)
        VALUES ($1, $2, $3, $4, $5);
    `, rec.DocumentID, rec.Source, rec.RecordedAt.UTC(), len(snap.LabelMap), len(snap.Flows))
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", rec.DocumentID, err)
	}

	if len(snap.LabelMap) > 0 {
		if err := s.persistLabels(ctx, tx, rec.DocumentID, snap.LabelMap); err != nil {
			return err
		}
	}
	if len(snap.Flows) > 0 {
		if err := s.persistFlows(ctx, tx, rec.DocumentID, snap.Flows); err != nil {
			return err
		}
	}
	if len(snap.StorageLabelIDs) > 0 {
		if err := s.persistStorageLabels(ctx, tx, rec.DocumentID, snap.StorageLabelIDs); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Snapshot saved",
		zap.String("document_id", rec.DocumentID),
		zap.Int("labels", len(snap.LabelMap)),
		zap.Int("flows", len(snap.Flows)),
	)
	return nil
}

func (s *Store) persistLabels(ctx context.Context, tx pgx.Tx, documentID string, labels map[uint64]schemas.Label) error {
	ids := make([]uint64, 0, len(labels))
	for id := range labels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([][]interface{}, len(ids))
	for i, id := range ids {
		l := labels[id]
		location, err := json.Marshal(l.Location)
		if err != nil {
			return fmt.Errorf("failed to encode location of label %d: %w", id, err)
		}
		info := l.Info
		if info == nil {
			info = map[string]any{}
		}
		infoJSON, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to encode info of label %d: %w", id, err)
		}
		rows[i] = []interface{}{documentID, int64(id), string(l.Type), location, infoJSON}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"taint_labels"}, labelColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy labels: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied labels count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

func (s *Store) persistFlows(ctx context.Context, tx pgx.Tx, documentID string, flows []schemas.CompactFlow) error {
	batch := &pgx.Batch{}
	sqlFlow := `
        INSERT INTO taint_flows (document_id, flow_index, sink_label_id, taint_label_ids)
        VALUES ($1, $2, $3, $4);
    `
	for i, f := range flows {
		batch.Queue(sqlFlow, documentID, i, int64(f.SinkLabelID), toInt64s(f.TaintLabelIDs))
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range flows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to execute batch insert for flow %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) persistStorageLabels(ctx context.Context, tx pgx.Tx, documentID string, ids []uint64) error {
	rows := make([][]interface{}, len(ids))
	for i, id := range ids {
		rows[i] = []interface{}{documentID, int64(id)}
	}
	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"taint_storage_labels"}, storageColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy storage labels: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied storage labels count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

// GetFlowsByDocumentID returns a document's flows in recording order.
func (s *Store) GetFlowsByDocumentID(ctx context.Context, documentID string) ([]schemas.CompactFlow, error) {
	query := `
        SELECT sink_label_id, taint_label_ids
        FROM taint_flows
        WHERE document_id = $1
        ORDER BY flow_index ASC;
    `
	rows, err := s.pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []schemas.CompactFlow
	for rows.Next() {
		var sink int64
		var taintIDs []int64
		if err := rows.Scan(&sink, &taintIDs); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, schemas.CompactFlow{
			SinkLabelID:   uint64(sink),
			TaintLabelIDs: toUint64s(taintIDs),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return flows, nil
}

// GetLabelsByDocumentID returns a document's label map.
func (s *Store) GetLabelsByDocumentID(ctx context.Context, documentID string) (map[uint64]schemas.Label, error) {
	query := `
        SELECT label_id, type, location, info
        FROM taint_labels
        WHERE document_id = $1
        ORDER BY label_id ASC;
    `
	rows, err := s.pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	labels := make(map[uint64]schemas.Label)
	for rows.Next() {
		var (
			id             int64
			kind           string
			location, info []byte
		)
		if err := rows.Scan(&id, &kind, &location, &info); err != nil {
			return nil, fmt.Errorf("failed to scan label row: %w", err)
		}
		l := schemas.Label{ID: uint64(id), Type: schemas.LabelKind(kind)}
		if err := json.Unmarshal(location, &l.Location); err != nil {
			return nil, fmt.Errorf("failed to decode location of label %d: %w", id, err)
		}
		if err := json.Unmarshal(info, &l.Info); err != nil {
			return nil, fmt.Errorf("failed to decode info of label %d: %w", id, err)
		}
		labels[l.ID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return labels, nil
}

func toInt64s(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func toUint64s(ids []int64) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}

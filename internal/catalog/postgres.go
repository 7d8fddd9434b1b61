package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the Postgres-backed catalog.
type PostgresConfig struct {
	// DSN is a libpq-style connection string or URL.
	DSN string

	// MaxConns caps the connection pool size. Zero uses the pool default.
	MaxConns int32

	// ConnectTimeout bounds connection establishment. Zero uses the
	// driver default.
	ConnectTimeout time.Duration
}

// Postgres implements Catalog on a PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

// Schema applied on startup. Idempotent so every compactor node can run it.
const schema = `
CREATE TABLE IF NOT EXISTS partition (
    id                BIGSERIAL PRIMARY KEY,
    table_id          BIGINT NOT NULL,
    sort_key          TEXT[] NOT NULL DEFAULT '{}',
    last_compacted_at TIMESTAMPTZ,
    flagged_reason    TEXT NOT NULL DEFAULT '',
    generation        BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS parquet_file (
    id               UUID PRIMARY KEY,
    partition_id     BIGINT NOT NULL REFERENCES partition(id),
    table_id         BIGINT NOT NULL,
    min_time         BIGINT NOT NULL,
    max_time         BIGINT NOT NULL,
    size_bytes       BIGINT NOT NULL,
    row_count        BIGINT NOT NULL,
    compaction_level SMALLINT NOT NULL DEFAULT 0,
    codec            TEXT NOT NULL DEFAULT 'snappy',
    seq              BIGSERIAL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS parquet_file_live_idx
    ON parquet_file (partition_id, compaction_level)
    WHERE deleted_at IS NULL;
`

// NewPostgres connects to the database, verifies connectivity, and applies
// the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to parse DSN: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: failed to apply schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// CreatePartition registers a new partition.
func (c *Postgres) CreatePartition(ctx context.Context, params PartitionParams) (Partition, error) {
	sortKey := params.SortKey
	if sortKey == nil {
		sortKey = []string{}
	}

	p := Partition{TableID: params.TableID, SortKey: sortKey}
	err := c.pool.QueryRow(ctx,
		`INSERT INTO partition (table_id, sort_key) VALUES ($1, $2) RETURNING id, generation`,
		params.TableID, sortKey,
	).Scan(&p.ID, &p.Generation)
	if err != nil {
		return Partition{}, fmt.Errorf("catalog: failed to create partition: %w", err)
	}

	return p, nil
}

// GetPartition returns one partition, or ErrNotFound.
func (c *Postgres) GetPartition(ctx context.Context, id int64) (Partition, error) {
	var p Partition
	err := c.pool.QueryRow(ctx,
		`SELECT id, table_id, sort_key, last_compacted_at, flagged_reason, generation
		 FROM partition WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.TableID, &p.SortKey, &p.LastCompactedAt, &p.FlaggedReason, &p.Generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return Partition{}, fmt.Errorf("catalog: partition %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Partition{}, fmt.Errorf("catalog: failed to get partition %d: %w", id, err)
	}

	return p, nil
}

// AddFile inserts a live file row on the ingest path.
func (c *Postgres) AddFile(ctx context.Context, params FileParams) (File, error) {
	if err := params.Validate(); err != nil {
		return File{}, fmt.Errorf("catalog: invalid file: %w", err)
	}

	f := fileFromParams(params)
	err := c.pool.QueryRow(ctx,
		`INSERT INTO parquet_file
		     (id, partition_id, table_id, min_time, max_time, size_bytes, row_count, compaction_level, codec)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq, created_at`,
		params.ID, params.PartitionID, params.TableID, params.MinTime, params.MaxTime,
		params.SizeBytes, params.RowCount, params.Level, params.Codec,
	).Scan(&f.Seq, &f.CreatedAt)
	if err != nil {
		return File{}, fmt.Errorf("catalog: failed to add file %s: %w", params.ID, err)
	}

	return f, nil
}

// PartitionsNeedingCompaction returns unflagged partitions whose live file
// set matches the criteria. Results are ordered by partition ID; ranking
// is the scheduler's job.
func (c *Postgres) PartitionsNeedingCompaction(ctx context.Context, criteria Criteria) ([]Candidate, error) {
	coldCutoff := criteria.ColdCutoff
	if coldCutoff.IsZero() {
		// A zero cutoff disables cold selection: no file predates the epoch.
		coldCutoff = time.Unix(0, 0).UTC()
	}

	var limit any
	if criteria.Limit > 0 {
		limit = criteria.Limit
	}

	rows, err := c.pool.Query(ctx,
		`SELECT p.id, p.table_id, p.sort_key, p.last_compacted_at, p.flagged_reason, p.generation,
		        COUNT(*) AS file_count,
		        COUNT(*) FILTER (WHERE f.compaction_level = 0) AS level0_count,
		        COALESCE(SUM(f.size_bytes), 0)::BIGINT AS total_bytes,
		        MIN(f.created_at) AS oldest_file_at,
		        MAX(f.created_at) AS newest_file_at
		 FROM partition p
		 JOIN parquet_file f ON f.partition_id = p.id AND f.deleted_at IS NULL
		 WHERE p.flagged_reason = ''
		 GROUP BY p.id
		 HAVING COUNT(*) FILTER (WHERE f.compaction_level = 0) >= $1
		     OR (MAX(f.created_at) <= $2
		         AND (COUNT(*) FILTER (WHERE f.compaction_level = 0) > 0
		              OR COUNT(*) FILTER (WHERE f.compaction_level < $3) > 1))
		 ORDER BY p.id
		 LIMIT $4`,
		criteria.MinLevel0Files, coldCutoff, LevelMax, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to select partitions: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var cand Candidate
		if err := rows.Scan(
			&cand.Partition.ID, &cand.Partition.TableID, &cand.Partition.SortKey,
			&cand.Partition.LastCompactedAt, &cand.Partition.FlaggedReason, &cand.Partition.Generation,
			&cand.FileCount, &cand.Level0Count, &cand.TotalBytes,
			&cand.OldestFileAt, &cand.NewestFileAt,
		); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan candidate: %w", err)
		}
		candidates = append(candidates, cand)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: failed to select partitions: %w", err)
	}

	return candidates, nil
}

// LiveFiles returns all undeleted files of a partition at or below
// maxLevel, ordered by MinTime then Seq.
func (c *Postgres) LiveFiles(ctx context.Context, partitionID int64, maxLevel Level) ([]File, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT id, partition_id, table_id, min_time, max_time, size_bytes, row_count,
		        compaction_level, codec, seq, created_at
		 FROM parquet_file
		 WHERE partition_id = $1 AND deleted_at IS NULL AND compaction_level <= $2
		 ORDER BY min_time, seq`,
		partitionID, maxLevel,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list files of partition %d: %w", partitionID, err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(
			&f.ID, &f.PartitionID, &f.TableID, &f.MinTime, &f.MaxTime,
			&f.SizeBytes, &f.RowCount, &f.Level, &f.Codec, &f.Seq, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan file: %w", err)
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: failed to list files of partition %d: %w", partitionID, err)
	}

	return files, nil
}

// CommitTransaction applies txn atomically.
//
// The soft-delete carries the optimistic concurrency check: it only touches
// rows that are still live, so if a concurrent committer already consumed
// any input, the affected-row count comes up short and the whole
// transaction rolls back with ErrCommitConflict. A commit whose outcome
// cannot be determined is reported as ErrCommitOutcomeUnknown and must not
// be retried.
func (c *Postgres) CommitTransaction(ctx context.Context, txn Transaction) ([]File, error) {
	if err := txn.Validate(); err != nil {
		return nil, fmt.Errorf("catalog: invalid transaction: %w", err)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the partition row so generation bumps serialize.
	var flagged string
	err = tx.QueryRow(ctx,
		`SELECT flagged_reason FROM partition WHERE id = $1 FOR UPDATE`,
		txn.PartitionID,
	).Scan(&flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("catalog: partition %d: %w", txn.PartitionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to lock partition %d: %w", txn.PartitionID, err)
	}
	if flagged != "" {
		return nil, fmt.Errorf("catalog: partition %d (%s): %w", txn.PartitionID, flagged, ErrPartitionFlagged)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE parquet_file SET deleted_at = now()
		 WHERE partition_id = $1 AND id = ANY($2) AND deleted_at IS NULL`,
		txn.PartitionID, txn.Delete,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to soft-delete inputs of partition %d: %w", txn.PartitionID, err)
	}
	if tag.RowsAffected() != int64(len(txn.Delete)) {
		return nil, fmt.Errorf("catalog: partition %d: %d of %d inputs still live: %w",
			txn.PartitionID, tag.RowsAffected(), len(txn.Delete), ErrCommitConflict)
	}

	created := make([]File, 0, len(txn.Create))
	for _, params := range txn.Create {
		f := fileFromParams(params)
		err := tx.QueryRow(ctx,
			`INSERT INTO parquet_file
			     (id, partition_id, table_id, min_time, max_time, size_bytes, row_count, compaction_level, codec)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING seq, created_at`,
			params.ID, params.PartitionID, params.TableID, params.MinTime, params.MaxTime,
			params.SizeBytes, params.RowCount, params.Level, params.Codec,
		).Scan(&f.Seq, &f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to insert output %s: %w", params.ID, err)
		}
		created = append(created, f)
	}

	_, err = tx.Exec(ctx,
		`UPDATE partition SET last_compacted_at = now(), generation = generation + 1 WHERE id = $1`,
		txn.PartitionID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to update partition %d: %w", txn.PartitionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		// The commit was sent; whether it applied is unknowable from here.
		return nil, fmt.Errorf("catalog: partition %d: %w: %v", txn.PartitionID, ErrCommitOutcomeUnknown, err)
	}

	return created, nil
}

// FlagPartition quarantines a partition. An empty reason clears the flag.
func (c *Postgres) FlagPartition(ctx context.Context, partitionID int64, reason string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE partition SET flagged_reason = $2 WHERE id = $1`,
		partitionID, reason,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to flag partition %d: %w", partitionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("catalog: partition %d: %w", partitionID, ErrNotFound)
	}

	return nil
}

// Ping checks the database connection.
func (c *Postgres) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close closes the connection pool.
func (c *Postgres) Close() {
	c.pool.Close()
}

func fileFromParams(params FileParams) File {
	return File{
		ID:          params.ID,
		PartitionID: params.PartitionID,
		TableID:     params.TableID,
		MinTime:     params.MinTime,
		MaxTime:     params.MaxTime,
		SizeBytes:   params.SizeBytes,
		RowCount:    params.RowCount,
		Level:       params.Level,
		Codec:       params.Codec,
	}
}

// Verify interface compliance at compile time.
var _ Catalog = (*Postgres)(nil)

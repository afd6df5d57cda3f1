// Package journal persists captured batches and their submission outcomes in
// a local sqlite database, so a capture can be submitted, or resubmitted,
// after the device is gone.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/srg/kinetic/internal/mint"
	"github.com/srg/kinetic/internal/telemetry"
)

//go:embed schema.sql
var schemaSQL string

// MinPrefixLen is the shortest batch id prefix accepted by LoadBatch.
const MinPrefixLen = 6

var idPattern = regexp.MustCompile(`^[0-9a-f]+$`)

var (
	ErrNotFound  = errors.New("batch not found")
	ErrAmbiguous = errors.New("batch id prefix is ambiguous")
)

// BatchRecord describes a journaled batch without its samples.
type BatchRecord struct {
	ID        string
	Device    string
	StartedAt time.Time
	EndedAt   time.Time
	Samples   int
	Evicted   int
	SavedAt   time.Time
	// LastKind is the kind of the most recent submission outcome, empty when never submitted.
	LastKind string
	LastTo   string
}

// SubmissionRecord is one recorded submission outcome.
type SubmissionRecord struct {
	BatchID    string
	RequestID  string
	Address    string
	Attempts   int
	Kind       string
	Code       string
	Message    string
	To         string
	Value      string
	Data       string
	RecordedAt time.Time
}

// Journal is the capture journal. The database is opened on first use.
type Journal struct {
	open   func() (*sql.DB, error)
	clock  func() time.Time
	logger *logrus.Logger

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Journal.
type Option func(*Journal)

func WithClock(clock func() time.Time) Option {
	return func(j *Journal) { j.clock = clock }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(j *Journal) { j.logger = logger }
}

// Open returns a journal backed by the sqlite file at path.
func Open(path string, opts ...Option) *Journal {
	return newJournal(func() (*sql.DB, error) {
		return sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path))
	}, opts...)
}

// NewWithDB returns a journal over an already opened database.
func NewWithDB(db *sql.DB, opts ...Option) *Journal {
	return newJournal(func() (*sql.DB, error) { return db, nil }, opts...)
}

func newJournal(open func() (*sql.DB, error), opts ...Option) *Journal {
	j := &Journal{open: open, clock: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = logrus.New()
	}
	return j
}

func (j *Journal) getDB(ctx context.Context) (*sql.DB, error) {
	j.dbOnce.Do(func() {
		db, err := j.open()
		if err != nil {
			j.dbErr = fmt.Errorf("opening journal: %w", err)
			return
		}
		if _, err = db.ExecContext(ctx, schemaSQL); err != nil {
			_ = db.Close()
			j.dbErr = fmt.Errorf("initializing journal schema: %w", err)
			return
		}
		j.db = db
	})
	return j.db, j.dbErr
}

// Close releases the database.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		if j.db != nil {
			j.closeErr = j.db.Close()
		}
	})
	return j.closeErr
}

const insertBatchSQL = `
INSERT OR IGNORE INTO batches (id, started_at, ended_at, sample_count, evicted, device, samples, saved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// SaveBatch stores the batch under its fingerprint and returns that id.
// Saving identical content twice keeps the first record.
func (j *Journal) SaveBatch(ctx context.Context, device string, batch telemetry.Batch) (id string, err error) {
	data, err := telemetry.EncodeSamples(batch.Samples)
	if err != nil {
		return "", err
	}

	db, err := j.getDB(ctx)
	if err != nil {
		return "", err
	}

	stmt, err := db.PrepareContext(ctx, insertBatchSQL)
	if err != nil {
		return "", fmt.Errorf("preparing statement: %w", err)
	}
	defer func() {
		if cErr := stmt.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing statement: %w", cErr)
		}
	}()

	result, err := stmt.ExecContext(ctx,
		batch.Fingerprint,
		batch.StartedAt.UnixMilli(),
		batch.EndedAt.UnixMilli(),
		batch.Len(),
		batch.Evicted,
		device,
		data,
		j.clock().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting batch: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		j.logger.WithField("batch", batch.Fingerprint).Debug("Batch already journaled")
	}
	return batch.Fingerprint, nil
}

const selectBatchSQL = `
SELECT id, started_at, ended_at, evicted, samples
FROM batches
WHERE id LIKE ? || '%'
ORDER BY id
LIMIT 2`

// LoadBatch returns the batch whose id is, or starts with, idOrPrefix.
func (j *Journal) LoadBatch(ctx context.Context, idOrPrefix string) (batch telemetry.Batch, err error) {
	idOrPrefix = strings.ToLower(idOrPrefix)
	if len(idOrPrefix) < MinPrefixLen || !idPattern.MatchString(idOrPrefix) {
		return batch, fmt.Errorf("batch id %q must be at least %d hex characters: %w", idOrPrefix, MinPrefixLen, ErrNotFound)
	}

	db, err := j.getDB(ctx)
	if err != nil {
		return batch, err
	}

	rows, err := db.QueryContext(ctx, selectBatchSQL, idOrPrefix)
	if err != nil {
		return batch, fmt.Errorf("querying batch: %w", err)
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cErr)
		}
	}()

	type row struct {
		id             string
		started, ended int64
		evicted        int
		samples        []byte
	}
	var found []row
	for rows.Next() {
		var r row
		if err = rows.Scan(&r.id, &r.started, &r.ended, &r.evicted, &r.samples); err != nil {
			return batch, fmt.Errorf("scanning batch: %w", err)
		}
		found = append(found, r)
	}
	if err = rows.Err(); err != nil {
		return batch, fmt.Errorf("reading batches: %w", err)
	}

	switch len(found) {
	case 0:
		return batch, fmt.Errorf("%s: %w", idOrPrefix, ErrNotFound)
	case 1:
	default:
		return batch, fmt.Errorf("%s: %w", idOrPrefix, ErrAmbiguous)
	}

	r := found[0]
	samples, err := telemetry.DecodeSamples(r.samples)
	if err != nil {
		return batch, fmt.Errorf("decoding batch %s: %w", r.id, err)
	}
	batch = telemetry.NewBatch(time.UnixMilli(r.started), time.UnixMilli(r.ended), samples, r.evicted)
	if batch.Fingerprint != r.id {
		return batch, fmt.Errorf("batch %s is corrupt: content fingerprint is %s", r.id, batch.Fingerprint)
	}
	return batch, nil
}

const selectBatchesSQL = `
SELECT b.id, b.device, b.started_at, b.ended_at, b.sample_count, b.evicted, b.saved_at,
       COALESCE(s.kind, ''), COALESCE(s.tx_to, '')
FROM batches b
LEFT JOIN submissions s
       ON s.id = (SELECT MAX(id) FROM submissions WHERE batch_id = b.id)
ORDER BY b.saved_at DESC, b.id`

// ListBatches returns every journaled batch, most recent first.
func (j *Journal) ListBatches(ctx context.Context) (records []BatchRecord, err error) {
	db, err := j.getDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectBatchesSQL)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cErr)
		}
	}()

	for rows.Next() {
		var (
			r                     BatchRecord
			started, ended, saved int64
		)
		if err = rows.Scan(&r.ID, &r.Device, &started, &ended, &r.Samples, &r.Evicted, &saved, &r.LastKind, &r.LastTo); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		r.StartedAt, r.EndedAt, r.SavedAt = time.UnixMilli(started), time.UnixMilli(ended), time.UnixMilli(saved)
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("reading batches: %w", err)
	}
	return records, nil
}

const insertSubmissionSQL = `
INSERT INTO submissions (batch_id, request_id, address, attempts, kind, code, message, tx_to, tx_value, tx_data, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// RecordOutcome appends a submission outcome to the batch history.
func (j *Journal) RecordOutcome(ctx context.Context, batchID, address string, out mint.Outcome) (err error) {
	db, err := j.getDB(ctx)
	if err != nil {
		return err
	}

	var code, message, to, value, data string
	if out.Err != nil {
		code, message = out.Err.Code, out.Err.Message
	}
	if out.Receipt != nil {
		to, value, data = out.Receipt.Transaction.To, string(out.Receipt.Transaction.Value), out.Receipt.Transaction.Data
	}

	stmt, err := db.PrepareContext(ctx, insertSubmissionSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer func() {
		if cErr := stmt.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing statement: %w", cErr)
		}
	}()

	if _, err = stmt.ExecContext(ctx,
		batchID, out.RequestID, address, out.Attempts, out.Kind(),
		code, message, to, value, data, j.clock().UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

const selectSubmissionsSQL = `
SELECT batch_id, request_id, address, attempts, kind, code, message, tx_to, tx_value, tx_data, recorded_at
FROM submissions
WHERE batch_id = ?
ORDER BY id`

// Submissions returns the outcome history of a batch, oldest first.
func (j *Journal) Submissions(ctx context.Context, batchID string) (records []SubmissionRecord, err error) {
	db, err := j.getDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectSubmissionsSQL, batchID)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cErr)
		}
	}()

	for rows.Next() {
		var (
			r        SubmissionRecord
			recorded int64
		)
		if err = rows.Scan(&r.BatchID, &r.RequestID, &r.Address, &r.Attempts, &r.Kind,
			&r.Code, &r.Message, &r.To, &r.Value, &r.Data, &recorded); err != nil {
			return nil, fmt.Errorf("scanning submission: %w", err)
		}
		r.RecordedAt = time.UnixMilli(recorded)
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("reading submissions: %w", err)
	}
	return records, nil
}

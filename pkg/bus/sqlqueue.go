package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/annovault/pkg/sqldb"
)

// SQLConfig configures the durable queue.
type SQLConfig struct {
	// VisibilityTimeout is how long a received message stays hidden. Default 5m.
	VisibilityTimeout time.Duration
	// PollInterval is how often an idle Receive checks for work. Default 500ms.
	PollInterval time.Duration
}

func (c SQLConfig) withDefaults() SQLConfig {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// SQLQueue is a Bus backed by SQLite/libsql tables, so queued and delayed
// messages survive restarts and can be shared by several worker processes.
//
// Bindings are held in memory; every process wires the same topology.
type SQLQueue struct {
	db  *sql.DB
	cfg SQLConfig
	now func() time.Time

	mu     sync.RWMutex
	routes routes
	closed bool
	done   chan struct{}
}

var _ Bus = (*SQLQueue)(nil)

// NewSQLQueue creates the queue tables on db if needed.
func NewSQLQueue(ctx context.Context, db *sql.DB, cfg SQLConfig) (*SQLQueue, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := migrateQueue(ctx, db); err != nil {
		return nil, err
	}
	return &SQLQueue{
		db:     db,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		routes: routes{},
		done:   make(chan struct{}),
	}, nil
}

func migrateQueue(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bus_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			visible_at INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			published_at INTEGER NOT NULL,
			receipt TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bus_messages_ready ON bus_messages(queue, visible_at);`,
		`CREATE TABLE IF NOT EXISTS bus_dead_letters (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			reason TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			published_at INTEGER NOT NULL,
			failed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bus_dead_letters_queue ON bus_dead_letters(queue, failed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec queue schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLQueue) Bind(b Binding) error {
	if err := b.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes.add(b)
	return nil
}

func (s *SQLQueue) Publish(ctx context.Context, topic string, msg any, opts ...PublishOption) error {
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}
	o := applyOptions(opts)

	s.mu.RLock()
	closed := s.closed
	bindings := append([]Binding(nil), s.routes[topic]...)
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if len(bindings) == 0 {
		return fmt.Errorf("%w: %s", ErrNoBinding, topic)
	}

	id := o.id
	if id == "" {
		id = newID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	for _, b := range bindings {
		if err := s.insert(ctx, tx, b.Queue, topic, id, payload, now, b.Delay+o.delay); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	return nil
}

func (s *SQLQueue) Enqueue(ctx context.Context, queue, topic string, msg any, opts ...PublishOption) error {
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	o := applyOptions(opts)
	id := o.id
	if id == "" {
		id = newID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.insert(ctx, tx, queue, topic, id, payload, s.now(), o.delay); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

func (s *SQLQueue) insert(ctx context.Context, tx *sql.Tx, queue, topic, id string, payload []byte, now time.Time, delay time.Duration) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bus_messages
		(message_id, queue, topic, payload, attempt, visible_at, enqueued_at, published_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, queue, topic, string(payload),
		sqldb.UnixNano(now.Add(delay)), sqldb.UnixNano(now), sqldb.UnixNano(now),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLQueue) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		if s.isClosed() {
			return nil, ErrClosed
		}
		d, err := s.claim(ctx, queue)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		t := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-s.done:
			t.Stop()
			return nil, ErrClosed
		case <-t.C:
		}
	}
}

// claim takes the oldest visible message on queue, or returns nil.
func (s *SQLQueue) claim(ctx context.Context, queue string) (*Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	var (
		seq         int64
		env         Envelope
		payload     string
		attempt     int
		visibleAt   int64
		enqueuedAt  int64
		publishedAt int64
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, message_id, topic, payload, attempt, visible_at, enqueued_at, published_at
		FROM bus_messages
		WHERE queue = ? AND visible_at <= ?
		ORDER BY visible_at, seq
		LIMIT 1`, queue, sqldb.UnixNano(now),
	).Scan(&seq, &env.ID, &env.Topic, &payload, &attempt, &visibleAt, &enqueuedAt, &publishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}

	receipt := newReceipt()
	res, err := tx.ExecContext(ctx, `UPDATE bus_messages
		SET attempt = attempt + 1, visible_at = ?, receipt = ?
		WHERE seq = ? AND visible_at = ?`,
		sqldb.UnixNano(now.Add(s.cfg.VisibilityTimeout)), receipt, seq, visibleAt,
	)
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if n != 1 {
		// Another receiver claimed the row first.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	env.Queue = queue
	env.Payload = json.RawMessage(payload)
	env.EnqueuedAt = sqldb.FromUnixNano(enqueuedAt)
	env.PublishedAt = sqldb.FromUnixNano(publishedAt)
	return &Delivery{Envelope: env, Attempt: attempt + 1, receipt: receiptKey(seq, receipt)}, nil
}

// The receipt carries the row seq so settling never needs a lookup by message id.
func receiptKey(seq int64, receipt string) string {
	return fmt.Sprintf("%d:%s", seq, receipt)
}

func parseReceipt(r string) (int64, string, error) {
	seqStr, receipt, ok := strings.Cut(r, ":")
	if !ok {
		return 0, "", ErrUnknownDelivery
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, "", ErrUnknownDelivery
	}
	return seq, receipt, nil
}

func (s *SQLQueue) Ack(ctx context.Context, d *Delivery) error {
	seq, receipt, err := parseReceipt(d.receipt)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM bus_messages WHERE seq = ? AND receipt = ?`, seq, receipt)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return expectOne(res)
}

func (s *SQLQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	return s.requeue(ctx, d, delay, false)
}

func (s *SQLQueue) Postpone(ctx context.Context, d *Delivery, delay time.Duration) error {
	return s.requeue(ctx, d, delay, true)
}

func (s *SQLQueue) requeue(ctx context.Context, d *Delivery, delay time.Duration, refund bool) error {
	seq, receipt, err := parseReceipt(d.receipt)
	if err != nil {
		return err
	}
	refundBy := 0
	if refund {
		refundBy = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE bus_messages
		SET visible_at = ?, receipt = NULL, attempt = MAX(attempt - ?, 0)
		WHERE seq = ? AND receipt = ?`,
		sqldb.UnixNano(s.now().Add(delay)), refundBy, seq, receipt,
	)
	if err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	return expectOne(res)
}

func (s *SQLQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	seq, receipt, err := parseReceipt(d.receipt)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO bus_dead_letters
		(message_id, queue, topic, payload, attempts, reason, enqueued_at, published_at, failed_at)
		SELECT message_id, queue, topic, payload, attempt, ?, enqueued_at, published_at, ?
		FROM bus_messages WHERE seq = ? AND receipt = ?`,
		reason, sqldb.UnixNano(s.now()), seq, receipt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if err := expectOne(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bus_messages WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("delete dead message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead letter: %w", err)
	}
	return nil
}

func (s *SQLQueue) DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT message_id, queue, topic, payload, attempts, reason, enqueued_at, published_at, failed_at
		FROM bus_dead_letters`
	args := []any{}
	if queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}
	query += ` ORDER BY failed_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl          DeadLetter
			payload     string
			enqueuedAt  int64
			publishedAt int64
			failedAt    int64
		)
		if err := rows.Scan(&dl.ID, &dl.Queue, &dl.Topic, &payload, &dl.Attempts, &dl.Reason, &enqueuedAt, &publishedAt, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Payload = json.RawMessage(payload)
		dl.EnqueuedAt = sqldb.FromUnixNano(enqueuedAt)
		dl.PublishedAt = sqldb.FromUnixNano(publishedAt)
		dl.FailedAt = sqldb.FromUnixNano(failedAt)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

func (s *SQLQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_messages WHERE queue = ?`, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Close stops pending receives. The database handle belongs to the caller.
func (s *SQLQueue) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *SQLQueue) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return ErrUnknownDelivery
	}
	return nil
}

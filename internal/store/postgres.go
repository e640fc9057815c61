package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

const notifyChannel = "bus_records"

// PostgresStore keeps records in a jsonb table and signals watchers with
// LISTEN/NOTIFY. See migrations/001_create_bus_records.sql.
type PostgresStore struct {
	db     *sql.DB
	dsn    string
	hub    *hub
	logger *slog.Logger

	mu       sync.Mutex
	listener *pq.Listener
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, dsn: dsn, hub: newHub(), logger: logger}, nil
}

// Migrate executes a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Put(ctx context.Context, ref Ref, key string, value []byte) error {
	if err := ref.validate(); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO bus_records(bus_id, ns, key, seq, value, written_at)
		VALUES($1, $2, $3, nextval('bus_records_seq'), $4, now())
		ON CONFLICT (bus_id, ns, key) DO UPDATE SET seq = EXCLUDED.seq, value = EXCLUDED.value, written_at = EXCLUDED.written_at`,
		ref.BusID, string(ref.Namespace), key, string(value))
	if err != nil {
		return err
	}
	// delivered to listeners on commit
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, ref.String()); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) List(ctx context.Context, ref Ref, limit int) (map[string][]byte, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	var (
		rows *sql.Rows
		err  error
	)
	if limit <= 0 {
		rows, err = p.db.QueryContext(ctx, `SELECT key, value FROM bus_records WHERE bus_id = $1 AND ns = $2`,
			ref.BusID, string(ref.Namespace))
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT key, value FROM bus_records WHERE bus_id = $1 AND ns = $2 ORDER BY seq DESC LIMIT $3`,
			ref.BusID, string(ref.Namespace), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (p *PostgresStore) Watch(ctx context.Context, ref Ref, fn func()) (func(), error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if err := p.listen(); err != nil {
		return nil, err
	}
	return p.hub.add(ref.String(), fn), nil
}

// listen opens the shared LISTEN connection on first use.
func (p *PostgresStore) listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return nil
	}
	l := pq.NewListener(p.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("postgres listener event", "event", int(ev), "error", err)
		}
	})
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return err
	}
	p.listener = l
	go relayPostgres(l.Notify, p.hub)
	return nil
}

// relayPostgres forwards NOTIFY payloads to the hub. pq sends nil after a
// reconnect; anything could have changed meanwhile.
func relayPostgres(ch <-chan *pq.Notification, h *hub) {
	for n := range ch {
		if n == nil {
			h.notifyAll()
			continue
		}
		h.notify(n.Extra)
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error {
	p.hub.closeAll()
	p.mu.Lock()
	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
	p.mu.Unlock()
	return p.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"tasksched/internal/job"
	logx "tasksched/pkg/logx"
)

// notifyChannel must match the pg_notify call in migrations/postgres.sql.
const notifyChannel = "tasksched_jobs"

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: dollar,
	isDuplicate: pgDuplicate,
	isTransient: pgTransient,
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout(cfg))
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, job.Unavailable(fmt.Errorf("postgres connect: %w", err))
	}
	if err := migrate(ctx, db, "migrations/postgres.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres store opened", logx.Int("max_open_conns", maxOpen))
	return newPostgresStore(db, dsn, log), nil
}

// newPostgresStore wraps an open handle. With an empty dsn the store has no
// change stream (tests use this with sqlmock).
func newPostgresStore(db *sql.DB, dsn string, log logx.Logger) *sqlStore {
	st := &sqlStore{db: db, d: postgresDialect, log: log}
	if dsn != "" {
		st.watch = func(ctx context.Context) (<-chan Event, error) {
			return listenPostgres(ctx, dsn, log)
		}
	}
	return st
}

type pgNotification struct {
	Op     string `json:"op"`
	ID     string `json:"id"`
	Status int    `json:"status"`
}

func listenPostgres(ctx context.Context, dsn string, log logx.Logger) (<-chan Event, error) {
	l := pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("postgres listener", logx.Int("event", int(ev)), logx.Err(err))
		}
	})
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return nil, job.Unavailable(fmt.Errorf("postgres listen: %w", err))
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = l.Close() }()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				go func() { _ = l.Ping() }()
			case n, ok := <-l.Notify:
				if !ok {
					return
				}
				// nil is delivered after a reconnect; notifications may have
				// been lost, so emit a bare wake-up.
				ev := Event{Op: OpUpdate}
				if n != nil {
					var p pgNotification
					if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
						log.Debug("postgres notification decode failed", logx.Err(err))
						continue
					}
					ev = Event{Op: EventOp(p.Op), ID: p.ID, Status: job.Status(p.Status)}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func pgDuplicate(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "23505"
}

func pgTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "57P01", "57P02", "57P03", "53300":
			return true
		}
		return pe.Code.Class() == "08"
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func connectTimeout(cfg Config) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return 10 * time.Second
}

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "workbot/pkg/logx"
)

// Store is the persistence API used by the feature modules.
//
// Commit is the durable accumulator: it records one closed session and adds
// its length to the user's running total in one atomic step. Ties in TopN
// and Counters keep the order in which users first reached the store.
type Store interface {
	Commit(ctx context.Context, userID string, start, end time.Time) (total float64, err error)
	Total(ctx context.Context, userID string) (float64, error)
	TotalSince(ctx context.Context, userID string, since time.Time) (float64, error)
	// TopN ranks users by total. A zero since means all time; otherwise only
	// the part of each session at or after since counts.
	TopN(ctx context.Context, limit int, since time.Time) ([]Ranked, error)

	GetMarker(ctx context.Context, key string) (string, bool, error)
	PutMarker(ctx context.Context, key, value string) error

	IncrementCounter(ctx context.Context, name, userID string) (int64, error)
	Counters(ctx context.Context, name string) ([]Count, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// openTimeout bounds schema setup on open.
const openTimeout = 15 * time.Second

func openContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), openTimeout)
}

package store

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and sizes the persistence backend.
type Options struct {
	DatabaseURL string
	Driver      string
	MaxConns    int
}

// NewStore picks a backend from the driver override or the URL scheme.
// postgres:// and postgresql:// use pgx, sqlite:// and file: use SQLite,
// driver "memory" keeps everything in process.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	url := strings.TrimSpace(opts.DatabaseURL)
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, url, opts.MaxConns)
	case "sqlite":
		return NewSQLiteStore(ctx, sqlitePath(url), opts.MaxConns)
	}

	lower := strings.ToLower(url)
	switch {
	case url == "":
		return nil, ErrNotConfigured
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgresStore(ctx, url, opts.MaxConns)
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"):
		return NewSQLiteStore(ctx, sqlitePath(url), opts.MaxConns)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", redactURL(url))
	}
}

func sqlitePath(url string) string {
	url = strings.TrimPrefix(url, "sqlite://")
	url = strings.TrimPrefix(url, "file:")
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	return url
}

func redactURL(url string) string {
	at := strings.LastIndexByte(url, '@')
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}

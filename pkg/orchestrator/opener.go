package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/3leaps/courtsync/pkg/store"
)

// NamePlaceholder is replaced by the database name in a DSN template.
const NamePlaceholder = "{name}"

// Opener connects to one named database.
type Opener interface {
	Open(ctx context.Context, name string) (*sqlx.DB, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, name string) (*sqlx.DB, error)

func (f OpenerFunc) Open(ctx context.Context, name string) (*sqlx.DB, error) {
	return f(ctx, name)
}

// TemplateOpener builds each database's connection from one template,
// e.g. "postgres://bot@db:5432/{name}?sslmode=disable" or "/var/lib/courtsync/{name}.db".
type TemplateOpener struct {
	Driver    string
	Template  string
	AuthToken string
}

// Open implements Opener.
func (o TemplateOpener) Open(ctx context.Context, name string) (*sqlx.DB, error) {
	if strings.TrimSpace(o.Template) == "" {
		return nil, errors.New("database dsn template is empty")
	}
	target := strings.ReplaceAll(o.Template, NamePlaceholder, name)

	cfg := store.Config{Driver: o.Driver}
	switch {
	case store.NormalizeDriver(o.Driver) == store.DriverPostgres:
		cfg.DSN = target
	case strings.HasPrefix(target, "libsql://"), strings.HasPrefix(target, "https://"):
		cfg.URL = target
		cfg.AuthToken = o.AuthToken
	default:
		cfg.Path = target
	}
	return store.Open(ctx, cfg)
}

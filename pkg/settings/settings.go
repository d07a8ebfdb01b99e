// Package settings serves runtime configuration: the database list, api
// limits, city variant groups and the maps api key. Values come from the
// bot_config table of the control database when present, else from the
// static process configuration. Reads are cached until Reload.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/pkg/quota"
)

// bot_config keys.
const (
	KeyDatabases    = "databases"
	KeyAPILimits    = "api_limits"
	KeyCityVariants = "city_variants"
	KeyGoogleAPIKey = "google_api_key"
)

// DefaultEnvironment is the bot_config environment read when none is configured.
const DefaultEnvironment = "production"

// Static holds the values used when bot_config has no row for a key.
type Static struct {
	Databases    []string
	Limits       quota.Limits
	CityVariants [][]string
	GoogleAPIKey string
}

// Options configures a Provider.
type Options struct {
	// DB is the control database holding bot_config. Nil serves Static only.
	DB *sqlx.DB

	Environment string

	// CacheTTL bounds how long a value is served before re-reading.
	// Zero caches until Reload.
	CacheTTL time.Duration

	Logger *zap.Logger
}

// Provider implements quota.LimitSource, cityname.VariantSource and
// maps.KeySource over one cache.
type Provider struct {
	static Static
	db     *sqlx.DB
	env    string
	cache  *cache.Cache
	logger *zap.Logger

	mu       sync.Mutex
	onReload []func()
}

// New returns a Provider. The static limits default to quota.DefaultLimits
// when both are zero.
func New(static Static, opts Options) *Provider {
	if static.Limits == (quota.Limits{}) {
		static.Limits = quota.DefaultLimits()
	}
	env := opts.Environment
	if env == "" {
		env = DefaultEnvironment
	}
	ttl := opts.CacheTTL
	cleanup := 10 * time.Minute
	if ttl <= 0 {
		ttl = cache.NoExpiration
		cleanup = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		static: static,
		db:     opts.DB,
		env:    env,
		cache:  cache.New(ttl, cleanup),
		logger: logger,
	}
}

// Environment returns the bot_config environment this provider reads.
func (p *Provider) Environment() string {
	return p.env
}

// OnReload registers fn to run after every Reload. The city resolver
// registers its Reset here.
func (p *Provider) OnReload(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReload = append(p.onReload, fn)
}

// Reload drops every cached value.
func (p *Provider) Reload() {
	p.cache.Flush()

	p.mu.Lock()
	hooks := append([]func(){}, p.onReload...)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	p.logger.Info("Settings reloaded", zap.String("environment", p.env))
}

// Databases returns the names of the databases to process.
func (p *Provider) Databases(ctx context.Context) ([]string, error) {
	var out []string
	if err := p.get(ctx, KeyDatabases, &out, p.static.Databases); err != nil {
		return nil, err
	}
	return append([]string(nil), out...), nil
}

// Limits implements quota.LimitSource.
func (p *Provider) Limits(ctx context.Context) (quota.Limits, error) {
	var out quota.Limits
	if err := p.get(ctx, KeyAPILimits, &out, p.static.Limits); err != nil {
		return quota.Limits{}, err
	}
	return out, nil
}

// CityVariants implements cityname.VariantSource.
func (p *Provider) CityVariants(ctx context.Context) ([][]string, error) {
	var out [][]string
	if err := p.get(ctx, KeyCityVariants, &out, p.static.CityVariants); err != nil {
		return nil, err
	}
	return out, nil
}

// GoogleAPIKey implements maps.KeySource.
func (p *Provider) GoogleAPIKey(ctx context.Context) (string, error) {
	var out string
	if err := p.get(ctx, KeyGoogleAPIKey, &out, p.static.GoogleAPIKey); err != nil {
		return "", err
	}
	return out, nil
}

// Snapshot returns the effective values, for display. The api key is masked.
func (p *Provider) Snapshot(ctx context.Context) (*Document, error) {
	dbs, err := p.Databases(ctx)
	if err != nil {
		return nil, err
	}
	limits, err := p.Limits(ctx)
	if err != nil {
		return nil, err
	}
	variants, err := p.CityVariants(ctx)
	if err != nil {
		return nil, err
	}
	key, err := p.GoogleAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	return &Document{
		Environment:  p.env,
		Databases:    dbs,
		APILimits:    &limits,
		CityVariants: variants,
		GoogleAPIKey: MaskKey(key),
	}, nil
}

// Import writes every non-empty field of doc into bot_config and reloads.
// The document's environment, when set, overrides the provider's.
func (p *Provider) Import(ctx context.Context, doc *Document) (int, error) {
	if p.db == nil {
		return 0, ErrNoControlDB
	}
	env := p.env
	if doc.Environment != "" {
		env = doc.Environment
	}

	values := map[string]any{}
	if doc.Databases != nil {
		values[KeyDatabases] = doc.Databases
	}
	if doc.APILimits != nil {
		values[KeyAPILimits] = doc.APILimits
	}
	if doc.CityVariants != nil {
		values[KeyCityVariants] = doc.CityVariants
	}
	if doc.GoogleAPIKey != "" {
		values[KeyGoogleAPIKey] = doc.GoogleAPIKey
	}

	for _, key := range []string{KeyDatabases, KeyAPILimits, KeyCityVariants, KeyGoogleAPIKey} {
		v, ok := values[key]
		if !ok {
			continue
		}
		if err := PutValue(ctx, p.db, env, key, v); err != nil {
			return 0, err
		}
	}
	p.Reload()
	return len(values), nil
}

// ErrNoControlDB is returned by writes when no control database is configured.
var ErrNoControlDB = errors.New("no control database configured")

// get decodes key into out, from cache, then bot_config, then fallback.
func (p *Provider) get(ctx context.Context, key string, out any, fallback any) error {
	if cached, ok := p.cache.Get(key); ok {
		return json.Unmarshal(cached.([]byte), out)
	}

	raw, found, err := p.lookup(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		raw, err = json.Marshal(fallback)
		if err != nil {
			return fmt.Errorf("encode %s default: %w", key, err)
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode setting %s: %w", key, err)
	}

	p.cache.SetDefault(key, raw)
	return nil
}

func (p *Provider) lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if p.db == nil {
		return nil, false, nil
	}
	value, found, err := GetValue(ctx, p.db, p.env, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		p.logger.Debug("Setting not in bot_config, using static value", zap.String("key", key))
		return nil, false, nil
	}
	return []byte(value), true, nil
}

// MaskKey keeps the last four characters of a secret.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

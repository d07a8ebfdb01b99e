package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/store"
)

func openControl(t *testing.T, migrate bool) *sqlx.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if migrate {
		require.NoError(t, Migrate(ctx, db))
	}
	return db
}

func TestStaticValues(t *testing.T) {
	ctx := context.Background()
	p := New(Static{
		Databases:    []string{"db_cali", "db_bogota"},
		CityVariants: [][]string{{"Cali", "Santiago de Cali"}},
		GoogleAPIKey: "key-static",
	}, Options{})

	dbs, err := p.Databases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db_cali", "db_bogota"}, dbs)

	limits, err := p.Limits(ctx)
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultLimits(), limits)

	variants, err := p.CityVariants(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Cali", "Santiago de Cali"}}, variants)

	key, err := p.GoogleAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-static", key)
	assert.Equal(t, DefaultEnvironment, p.Environment())
}

func TestDatabaseOverridesStatic(t *testing.T) {
	ctx := context.Background()
	db := openControl(t, true)
	require.NoError(t, PutValue(ctx, db, "production", KeyDatabases, []string{"db_pereira"}))
	require.NoError(t, PutValue(ctx, db, "production", KeyAPILimits, quota.Limits{Daily: 50, Monthly: 900}))
	require.NoError(t, PutValue(ctx, db, "staging", KeyGoogleAPIKey, "key-staging"))

	p := New(Static{Databases: []string{"db_cali"}, GoogleAPIKey: "key-static"}, Options{DB: db})

	dbs, err := p.Databases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db_pereira"}, dbs)

	limits, err := p.Limits(ctx)
	require.NoError(t, err)
	assert.Equal(t, quota.Limits{Daily: 50, Monthly: 900}, limits)

	// Other environments are invisible.
	key, err := p.GoogleAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-static", key)
}

func TestValuesAreCachedUntilReload(t *testing.T) {
	ctx := context.Background()
	db := openControl(t, true)
	require.NoError(t, PutValue(ctx, db, "production", KeyDatabases, []string{"db1"}))

	p := New(Static{}, Options{DB: db})
	reloads := 0
	p.OnReload(func() { reloads++ })

	dbs, err := p.Databases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, dbs)

	require.NoError(t, PutValue(ctx, db, "production", KeyDatabases, []string{"db1", "db2"}))
	dbs, err = p.Databases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, dbs, "served from cache")

	p.Reload()
	assert.Equal(t, 1, reloads)
	dbs, err = p.Databases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "db2"}, dbs)
}

func TestReadFailureIsReturned(t *testing.T) {
	p := New(Static{Databases: []string{"db1"}}, Options{DB: openControl(t, false)})
	_, err := p.Databases(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read setting databases")
}

func TestCorruptValueIsReturned(t *testing.T) {
	ctx := context.Background()
	db := openControl(t, true)
	_, err := db.Exec(`INSERT INTO bot_config (environment, config_key, config_value) VALUES ('production', 'api_limits', 'not json')`)
	require.NoError(t, err)

	_, err = New(Static{}, Options{DB: db}).Limits(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode setting api_limits")
}

func TestImportAndSnapshot(t *testing.T) {
	ctx := context.Background()
	db := openControl(t, true)
	p := New(Static{Databases: []string{"db_static"}}, Options{DB: db})

	// Prime the cache; Import must invalidate it.
	_, err := p.Databases(ctx)
	require.NoError(t, err)

	n, err := p.Import(ctx, &Document{
		Databases:    []string{"db1", "db2"},
		APILimits:    &quota.Limits{Daily: 10, Monthly: 100},
		GoogleAPIKey: "AIzaSecret1234",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "db2"}, snap.Databases)
	assert.Equal(t, &quota.Limits{Daily: 10, Monthly: 100}, snap.APILimits)
	assert.Equal(t, "****1234", snap.GoogleAPIKey)
	assert.Empty(t, snap.CityVariants)

	key, err := p.GoogleAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AIzaSecret1234", key)
}

func TestImportWithoutControlDB(t *testing.T) {
	_, err := New(Static{}, Options{}).Import(context.Background(), &Document{Databases: []string{"x"}})
	assert.ErrorIs(t, err, ErrNoControlDB)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", MaskKey(""))
	assert.Equal(t, "****", MaskKey("abc"))
	assert.Equal(t, "****wxyz", MaskKey("abcdwxyz"))
}

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		check   func(t *testing.T, doc *Document)
	}{
		{
			name: "yaml",
			data: `environment: staging
databases: [db_cali, db_bogota]
api_limits:
  daily: 500
  monthly: 6000
city_variants:
  - [Bogotá, "Bogotá D.C."]
`,
			check: func(t *testing.T, doc *Document) {
				assert.Equal(t, "staging", doc.Environment)
				assert.Equal(t, []string{"db_cali", "db_bogota"}, doc.Databases)
				assert.Equal(t, &quota.Limits{Daily: 500, Monthly: 6000}, doc.APILimits)
				assert.Equal(t, [][]string{{"Bogotá", "Bogotá D.C."}}, doc.CityVariants)
			},
		},
		{
			name: "json",
			data: `{"google_api_key": "k"}`,
			check: func(t *testing.T, doc *Document) {
				assert.Equal(t, "k", doc.GoogleAPIKey)
				assert.Nil(t, doc.Databases)
				assert.Nil(t, doc.APILimits)
			},
		},
		{name: "unknown field", data: "databses: [db1]\n", wantErr: true},
		{name: "negative limit", data: "api_limits: {daily: -1}\n", wantErr: true},
		{name: "bad database name", data: "databases: [\"db one\"]\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseDocument([]byte(tt.data), "settings.yaml")
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidationFailed)
				return
			}
			require.NoError(t, err)
			tt.check(t, doc)
		})
	}
}

func TestParseDocumentRejectsEmptyAndMalformed(t *testing.T) {
	_, err := ParseDocument([]byte("  \n"), "empty.yaml")
	assert.Error(t, err)

	_, err = ParseDocument([]byte("databases: [unclosed"), "bad.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")
}

func TestLoadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("databases: [db1]\n"), 0o600))

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, doc.Databases)

	_, err = LoadDocument(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

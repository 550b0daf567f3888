package fabrik

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/fabrikhq/fabrik/config"
	"github.com/fabrikhq/fabrik/database"
	"github.com/fabrikhq/fabrik/internal/cache"
)

// newTestFabrik wires a Fabrik instance against a stub database, an embedded
// redis and an in-memory event publisher.
func newTestFabrik(t *testing.T) (*Fabrik, sqlmock.Sqlmock, *MemoryPublisher) {
	t.Helper()

	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis:    config.RedisConfig{Dns: mr.Addr()},
		Pipeline: config.PipelineConfig{Enabled: true},
	})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	newCache, err := cache.NewCache()
	require.NoError(t, err)

	conf, err := config.Fetch()
	require.NoError(t, err)

	events := NewMemoryPublisher()
	f := &Fabrik{
		datasource: database.Datasource{Conn: db, Cache: newCache},
		queue:      NewQueue(conf),
		cache:      newCache,
		events:     events,
	}
	return f, mock, events
}

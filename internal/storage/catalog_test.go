package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"modelrouter/internal/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalogFactory func(t *testing.T) core.Catalog

func catalogBackends() map[string]catalogFactory {
	return map[string]catalogFactory{
		"memory": func(t *testing.T) core.Catalog {
			return NewMemoryCatalog()
		},
		"file": func(t *testing.T) core.Catalog {
			fc, err := NewFileCatalog(filepath.Join(t.TempDir(), "catalog.json"))
			require.NoError(t, err)
			return fc
		},
		"redis": func(t *testing.T) core.Catalog {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisCatalogWithClient(client, "")
		},
		"sqlite": func(t *testing.T) core.Catalog {
			db, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
			require.NoError(t, err)
			sc, err := NewSQLCatalog(db)
			require.NoError(t, err)
			return sc
		},
	}
}

func sampleRecords() []core.ModelRecord {
	return []core.ModelRecord{
		{ModelID: "llama-3.3-70b-versatile", Provider: core.ProviderGroq, Category: core.CategoryText, Rating: 5},
		{ModelID: "mistral-large-latest", Provider: core.ProviderMistral, Category: core.CategoryText, Rating: 4},
		{ModelID: "codestral-latest", Provider: core.ProviderMistral, Category: core.CategoryCoding, Rating: 5},
	}
}

func TestCatalog_RegisterGetList(t *testing.T) {
	for name, factory := range catalogBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			catalog := factory(t)
			defer catalog.Close()

			for _, rec := range sampleRecords() {
				created, err := catalog.Register(ctx, rec)
				require.NoError(t, err)
				assert.True(t, created)
			}

			created, err := catalog.Register(ctx, core.ModelRecord{
				ModelID: "codestral-latest", Provider: core.ProviderGroq, Category: core.CategoryText, Rating: 1,
			})
			require.NoError(t, err)
			assert.False(t, created, "existing id must not be overwritten")

			rec, err := catalog.Get(ctx, "codestral-latest")
			require.NoError(t, err)
			assert.Equal(t, core.ProviderMistral, rec.Provider)
			assert.Equal(t, core.CategoryCoding, rec.Category)
			assert.Equal(t, 5, rec.Rating)
			assert.False(t, rec.HasAverage())

			list, err := catalog.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "llama-3.3-70b-versatile", list[0].ModelID)
			assert.Equal(t, "mistral-large-latest", list[1].ModelID)
			assert.Equal(t, "codestral-latest", list[2].ModelID)
		})
	}
}

func TestCatalog_GetUnknown(t *testing.T) {
	for name, factory := range catalogBackends() {
		t.Run(name, func(t *testing.T) {
			catalog := factory(t)
			defer catalog.Close()

			_, err := catalog.Get(context.Background(), "missing")
			assert.True(t, errors.Is(err, core.ErrUnknownModel))

			_, err = catalog.RecordLatency(context.Background(), "missing", 1.0)
			assert.True(t, errors.Is(err, core.ErrUnknownModel))
		})
	}
}

func TestCatalog_RegisterRejectsInvalid(t *testing.T) {
	for name, factory := range catalogBackends() {
		t.Run(name, func(t *testing.T) {
			catalog := factory(t)
			defer catalog.Close()

			_, err := catalog.Register(context.Background(), core.ModelRecord{Provider: core.ProviderGroq, Category: core.CategoryText})
			assert.Error(t, err)

			_, err = catalog.Register(context.Background(), core.ModelRecord{ModelID: "x", Provider: core.ProviderGroq, Category: "poetry"})
			assert.Error(t, err)
		})
	}
}

func TestCatalog_RecordLatencyRunningMean(t *testing.T) {
	for name, factory := range catalogBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			catalog := factory(t)
			defer catalog.Close()

			_, err := catalog.Register(ctx, sampleRecords()[0])
			require.NoError(t, err)

			samples := []float64{1.0, 2.0, 4.5}
			var rec *core.ModelRecord
			for _, s := range samples {
				rec, err = catalog.RecordLatency(ctx, "llama-3.3-70b-versatile", s)
				require.NoError(t, err)
			}

			assert.Equal(t, int64(3), rec.TotalRequests)
			assert.InDelta(t, 7.5, rec.TotalResponseTime, 1e-9)
			require.True(t, rec.HasAverage())
			assert.InDelta(t, 2.5, *rec.AverageResponseTime, 1e-9)

			stored, err := catalog.Get(ctx, "llama-3.3-70b-versatile")
			require.NoError(t, err)
			assert.Equal(t, int64(3), stored.TotalRequests)
			assert.InDelta(t, 2.5, *stored.AverageResponseTime, 1e-9)
		})
	}
}

func TestCatalog_RecordLatencySeededCounters(t *testing.T) {
	for name, factory := range catalogBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			catalog := factory(t)
			defer catalog.Close()

			seeded := sampleRecords()[2]
			seeded.TotalRequests = 4
			seeded.TotalResponseTime = 8
			_, err := catalog.Register(ctx, seeded)
			require.NoError(t, err)

			rec, err := catalog.RecordLatency(ctx, "codestral-latest", 2)
			require.NoError(t, err)
			assert.Equal(t, int64(5), rec.TotalRequests)
			assert.InDelta(t, 10.0, rec.TotalResponseTime, 1e-9)
			require.True(t, rec.HasAverage())
			assert.InDelta(t, rec.TotalResponseTime/float64(rec.TotalRequests), *rec.AverageResponseTime, 1e-9)
		})
	}
}

func TestCatalog_RecordLatencyRejectsBadSample(t *testing.T) {
	catalog := NewMemoryCatalog(sampleRecords()...)
	_, err := catalog.RecordLatency(context.Background(), "codestral-latest", -1)
	assert.Error(t, err)
}

func TestCatalog_ConcurrentRecordLatency(t *testing.T) {
	const workers = 40

	for name, factory := range catalogBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			catalog := factory(t)
			defer catalog.Close()

			_, err := catalog.Register(ctx, sampleRecords()[1])
			require.NoError(t, err)

			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					sample := 1.0
					if i%2 == 1 {
						sample = 3.0
					}
					if _, err := catalog.RecordLatency(ctx, "mistral-large-latest", sample); err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("RecordLatency failed: %v", err)
			}

			rec, err := catalog.Get(ctx, "mistral-large-latest")
			require.NoError(t, err)
			assert.Equal(t, int64(workers), rec.TotalRequests)
			assert.InDelta(t, 80.0, rec.TotalResponseTime, 1e-9)
			assert.InDelta(t, 2.0, *rec.AverageResponseTime, 1e-9)
		})
	}
}

func TestMemoryCatalog_ReturnsCopies(t *testing.T) {
	catalog := NewMemoryCatalog(sampleRecords()...)
	ctx := context.Background()

	rec, err := catalog.Get(ctx, "codestral-latest")
	require.NoError(t, err)
	rec.Rating = 1

	again, err := catalog.Get(ctx, "codestral-latest")
	require.NoError(t, err)
	assert.Equal(t, 5, again.Rating)
}

func TestFileCatalog_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.json")

	fc, err := NewFileCatalog(path)
	require.NoError(t, err)
	for _, rec := range sampleRecords() {
		_, err := fc.Register(ctx, rec)
		require.NoError(t, err)
	}
	_, err = fc.RecordLatency(ctx, "codestral-latest", 0.75)
	require.NoError(t, err)

	reopened, err := NewFileCatalog(path)
	require.NoError(t, err)

	list, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "codestral-latest", list[2].ModelID)
	assert.Equal(t, int64(1), list[2].TotalRequests)
	require.NotNil(t, list[2].AverageResponseTime)
	assert.InDelta(t, 0.75, *list[2].AverageResponseTime, 1e-9)
}

func TestSQLCatalog_History(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	sc, err := NewSQLCatalog(db)
	require.NoError(t, err)
	defer sc.Close()

	turns := []core.HistoryEntry{
		{SessionID: "s1", Role: core.RoleUser, Content: "hello"},
		{SessionID: "s1", Role: core.RoleAssistant, Content: "hi there", Model: "llama-3.3-70b-versatile"},
		{SessionID: "s2", Role: core.RoleUser, Content: "other session"},
		{SessionID: "s1", Role: core.RoleUser, Content: "how are you"},
	}
	for _, turn := range turns {
		require.NoError(t, sc.SaveMessage(ctx, turn))
	}

	recent, err := sc.RecentMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "hi there", recent[0].Content)
	assert.Equal(t, "how are you", recent[1].Content)
	assert.NotEmpty(t, recent[0].ID)
	assert.False(t, recent[0].CreatedAt.IsZero())

	all, err := sc.RecentMessages(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.Error(t, sc.SaveMessage(ctx, core.HistoryEntry{Role: core.RoleUser, Content: "orphan"}))
}

func TestSeedCatalog(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog(sampleRecords()[0])

	records := append(sampleRecords(), core.ModelRecord{ModelID: "", Provider: core.ProviderGroq, Category: core.CategoryText})
	added, err := SeedCatalog(ctx, catalog, records)
	assert.Error(t, err)
	assert.Equal(t, 2, added)

	list, err := catalog.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestOpenCatalog_SelectsBackend(t *testing.T) {
	ctx := context.Background()
	logger := &core.NopLogger{}

	b, err := OpenCatalog(ctx, Options{}, logger)
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Kind)
	assert.Nil(t, b.History)

	b, err = OpenCatalog(ctx, Options{CatalogFile: filepath.Join(t.TempDir(), "c.json")}, logger)
	require.NoError(t, err)
	assert.Equal(t, "file", b.Kind)

	mr := miniredis.RunT(t)
	b, err = OpenCatalog(ctx, Options{RedisURL: "redis://" + mr.Addr()}, logger)
	require.NoError(t, err)
	assert.Equal(t, "redis", b.Kind)
	require.NoError(t, b.Catalog.Close())

	b, err = OpenCatalog(ctx, Options{SQLitePath: filepath.Join(t.TempDir(), "c.db")}, logger)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", b.Kind)
	assert.NotNil(t, b.History)
	require.NoError(t, b.Catalog.Close())

	_, err = OpenCatalog(ctx, Options{DatabaseURL: "mysql://localhost/db"}, logger)
	assert.Error(t, err)
}

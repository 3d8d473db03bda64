package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/storage"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

func openTestRepo(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	log := logger.New(logger.LevelError)
	repo, err := storage.Open(context.Background(), dir, log)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestLoadSeedsDefaults(t *testing.T) {
	repo := openTestRepo(t)
	s := New(repo, logger.New(logger.LevelError), Defaults())
	require.NoError(t, s.Load(context.Background()))

	require.Equal(t, 64, s.GetInt("max_per_host", -1))
	require.Equal(t, 1.5, s.GetDouble("default_burst_factor", -1))

	rows, err := repo.ListConfig(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, len(Defaults()))
}

func TestSetPersistsAndUpdatesCache(t *testing.T) {
	repo := openTestRepo(t)
	s := New(repo, logger.New(logger.LevelError), Defaults())
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, s.Set(context.Background(), "max_per_host", "128"))
	require.Equal(t, 128, s.GetInt("max_per_host", -1))

	entry, err := repo.GetConfig(context.Background(), "max_per_host")
	require.NoError(t, err)
	require.Equal(t, "128", entry.Value)
}

func TestSetRejectsOutOfRange(t *testing.T) {
	repo := openTestRepo(t)
	s := New(repo, logger.New(logger.LevelError), Defaults())
	require.NoError(t, s.Load(context.Background()))

	err := s.Set(context.Background(), "max_per_host", "999999999")
	require.Error(t, err)
	e, ok := vayuerr.As(err)
	require.True(t, ok)
	require.Equal(t, vayuerr.KindEngineError, e.Kind)

	require.Equal(t, 64, s.GetInt("max_per_host", -1))
}

func TestSetRejectsUnknownKey(t *testing.T) {
	repo := openTestRepo(t)
	s := New(repo, logger.New(logger.LevelError), Defaults())
	require.NoError(t, s.Load(context.Background()))

	err := s.Set(context.Background(), "not_a_real_key", "1")
	require.Error(t, err)
	e, ok := vayuerr.As(err)
	require.True(t, ok)
	require.Equal(t, vayuerr.KindNotFound, e.Kind)
}

func TestSetRejectsWrongType(t *testing.T) {
	repo := openTestRepo(t)
	s := New(repo, logger.New(logger.LevelError), Defaults())
	require.NoError(t, s.Load(context.Background()))

	require.Error(t, s.Set(context.Background(), "max_per_host", "not-an-int"))
}

func TestReloadPicksUpOutOfBandEdit(t *testing.T) {
	repo := openTestRepo(t)
	s := New(repo, logger.New(logger.LevelError), Defaults())
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, repo.UpsertConfig(context.Background(), storage.ConfigEntry{
		Key: "max_per_host", Value: "256", Type: "int",
	}))
	require.Equal(t, 64, s.GetInt("max_per_host", -1))

	require.NoError(t, s.Reload(context.Background()))
	require.Equal(t, 256, s.GetInt("max_per_host", -1))
}

func TestAllReturnsSnapshot(t *testing.T) {
	repo := openTestRepo(t)
	s := New(repo, logger.New(logger.LevelError), Defaults())
	require.NoError(t, s.Load(context.Background()))

	snap := s.All()
	require.Len(t, snap, len(Defaults()))
	snap["max_per_host"] = "mutated"
	require.Equal(t, 64, s.GetInt("max_per_host", -1))
}

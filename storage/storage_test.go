package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	log := logger.New(logger.LevelError)
	s, err := Open(context.Background(), dir, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	_, err := s.DB.Exec(`SELECT 1 FROM runs LIMIT 1`)
	require.NoError(t, err)
	_, err = s.DB.Exec(`SELECT 1 FROM results LIMIT 1`)
	require.NoError(t, err)
	_, err = s.DB.Exec(`SELECT 1 FROM config LIMIT 1`)
	require.NoError(t, err)
}

func TestCreateAndUpdateRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, `{"mode":"constant_rps"}`)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	row, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RunPending, row.Status)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateRunStatus(ctx, id, model.RunCompleted, &now, ""))

	row, err = s.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, row.Status)
	require.True(t, row.EndTime.Valid)
}

func TestAppendAndListResults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID, err := s.CreateRun(ctx, `{}`)
	require.NoError(t, err)

	records := []model.ResultRecord{
		{RunID: runID, Seq: 1, Timestamp: time.Now(), StatusCode: 200, LatencyMS: 12.5},
		{RunID: runID, Seq: 2, Timestamp: time.Now(), StatusCode: 500, LatencyMS: 40.1, ErrorCode: model.ErrTimeout, ErrorMsg: "deadline exceeded"},
	}
	require.NoError(t, s.AppendResultsBatch(ctx, runID, records))

	page, err := s.ListResults(ctx, runID, ResultsFilter{}, Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, 200, page[0].StatusCode)
	require.Equal(t, model.ErrTimeout, page[1].ErrorCode)
}

func TestAppendResultsBatchEmptyIsNoop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AppendResultsBatch(context.Background(), "nonexistent", nil))
}

func TestMetricPointsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID, err := s.CreateRun(ctx, `{}`)
	require.NoError(t, err)

	require.NoError(t, s.AppendMetricPoint(ctx, model.MetricPoint{RunID: runID, Timestamp: time.Now(), Name: model.MetricRPS, Value: 123.4}))

	pts, err := s.ListMetricPoints(ctx, runID, TimeWindow{}, Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	require.Equal(t, model.MetricRPS, pts[0].Name)
	require.InDelta(t, 123.4, pts[0].Value, 0.001)
}

func TestConfigUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertConfig(ctx, ConfigEntry{Key: "max_idle_conns", Value: "100", Type: "int"}))
	e, err := s.GetConfig(ctx, "max_idle_conns")
	require.NoError(t, err)
	require.Equal(t, "100", e.Value)

	require.NoError(t, s.UpsertConfig(ctx, ConfigEntry{Key: "max_idle_conns", Value: "200", Type: "int"}))
	e, err = s.GetConfig(ctx, "max_idle_conns")
	require.NoError(t, err)
	require.Equal(t, "200", e.Value)

	missing, err := s.GetConfig(ctx, "does_not_exist")
	require.NoError(t, err)
	require.Nil(t, missing)
}

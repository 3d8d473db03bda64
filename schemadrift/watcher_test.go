package schemadrift

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var sample = []byte(`{
	"status": "ok",
	"count": 42,
	"items": [1, 2, 3],
	"meta": {"page": 1, "total": 100},
	"active": true,
	"note": null
}`)

func TestObserveEstablishesBaseline(t *testing.T) {
	w := NewWatcher()
	require.False(t, w.HasBaseline())

	drift, err := w.Observe(sample)
	require.NoError(t, err)
	require.Empty(t, drift)
	require.True(t, w.HasBaseline())
}

func TestObserveNoDriftOnIdenticalShape(t *testing.T) {
	w := NewWatcher()
	_, err := w.Observe(sample)
	require.NoError(t, err)

	drift, err := w.Observe(sample)
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestObserveDetectsMissingField(t *testing.T) {
	w := NewWatcher()
	_, err := w.Observe(sample)
	require.NoError(t, err)

	current := []byte(`{"count": 42, "items": [1,2,3], "meta": {"page":1,"total":100}, "active": true, "note": null}`)
	drift, err := w.Observe(current)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.Equal(t, KindMissing, drift[0].Kind)
	require.Equal(t, "status", drift[0].Field)
}

func TestObserveDetectsAddedField(t *testing.T) {
	w := NewWatcher()
	_, err := w.Observe(sample)
	require.NoError(t, err)

	current := []byte(`{"status":"ok","count":42,"items":[1,2,3],"meta":{"page":1,"total":100},"active":true,"note":null,"extra":"new"}`)
	drift, err := w.Observe(current)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.Equal(t, KindAdded, drift[0].Kind)
	require.Equal(t, "extra", drift[0].Field)
}

func TestObserveDetectsTypeChange(t *testing.T) {
	w := NewWatcher()
	_, err := w.Observe(sample)
	require.NoError(t, err)

	current := []byte(`{"status":"ok","count":"42","items":[1,2,3],"meta":{"page":1,"total":100},"active":true,"note":null}`)
	drift, err := w.Observe(current)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.Equal(t, KindTypeChanged, drift[0].Kind)
	require.Equal(t, "count", drift[0].Field)
	require.Equal(t, "number", drift[0].BaselineType)
	require.Equal(t, "string", drift[0].CurrentType)
}

func TestObserveRejectsNonObjectBody(t *testing.T) {
	w := NewWatcher()
	_, err := w.Observe([]byte(`[1,2,3]`))
	require.Error(t, err)
}

func TestObserveRejectsInvalidJSON(t *testing.T) {
	w := NewWatcher()
	_, err := w.Observe([]byte(`not json`))
	require.Error(t, err)
}

func TestBaselineFieldsSorted(t *testing.T) {
	w := NewWatcher()
	_, err := w.Observe(sample)
	require.NoError(t, err)

	fields := w.BaselineFields()
	require.NotEmpty(t, fields)
	for i := 1; i < len(fields); i++ {
		require.LessOrEqual(t, fields[i-1], fields[i])
	}
}

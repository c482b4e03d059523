package database

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueryRecorder struct {
	mu      sync.Mutex
	ops     []string
	elapsed []time.Duration
}

func (r *fakeQueryRecorder) RecordDBQuery(database, operation string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, operation)
	r.elapsed = append(r.elapsed, elapsed)
}

func (r *fakeQueryRecorder) operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

type instrumentRow struct {
	ID   int
	Name string
}

func TestInstrumentTimesStatements(t *testing.T) {
	db := setupSQLiteDB(t)

	rec := &fakeQueryRecorder{}
	require.NoError(t, Instrument(db, rec, "sqlite"))

	require.NoError(t, db.Exec("CREATE TABLE instrument_rows (id integer primary key, name text)").Error)
	require.NoError(t, db.Create(&instrumentRow{ID: 1, Name: "a"}).Error)

	var row instrumentRow
	require.NoError(t, db.First(&row).Error)
	require.NoError(t, db.Model(&instrumentRow{}).Where("id = ?", 1).Update("name", "b").Error)
	require.NoError(t, db.Delete(&instrumentRow{}, 1).Error)

	ops := rec.operations()
	assert.Contains(t, ops, "raw")
	assert.Contains(t, ops, "create")
	assert.Contains(t, ops, "query")
	assert.Contains(t, ops, "update")
	assert.Contains(t, ops, "delete")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, d := range rec.elapsed {
		assert.GreaterOrEqual(t, d, time.Duration(0), "op %s", rec.ops[i])
	}
}

func TestInstrumentNilRecorder(t *testing.T) {
	db := setupSQLiteDB(t)
	assert.NoError(t, Instrument(db, nil, "sqlite"))
	assert.NoError(t, db.Exec("SELECT 1").Error)
}

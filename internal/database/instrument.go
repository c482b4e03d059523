package database

import (
	"time"

	"gorm.io/gorm"
)

// QueryRecorder receives per-query latency observations. Satisfied by
// *metrics.Collector.
type QueryRecorder interface {
	RecordDBQuery(database, operation string, elapsed time.Duration)
}

const startTimeKey = "agenthive:query_start"

// Instrument registers GORM callbacks that time every statement and
// report it to rec, labelled with the given database name and the
// operation kind (create, query, update, delete, row, raw). A nil
// recorder is a no-op.
func Instrument(db *gorm.DB, rec QueryRecorder, name string) error {
	if rec == nil {
		return nil
	}

	before := func(tx *gorm.DB) {
		tx.InstanceSet(startTimeKey, time.Now())
	}
	after := func(operation string) func(tx *gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(startTimeKey)
			if !ok {
				return
			}
			start, ok := v.(time.Time)
			if !ok {
				return
			}
			rec.RecordDBQuery(name, operation, time.Since(start))
		}
	}

	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("agenthive:before_create", before); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("agenthive:after_create", after("create")); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("agenthive:before_query", before); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("agenthive:after_query", after("query")); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("agenthive:before_update", before); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("agenthive:after_update", after("update")); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("agenthive:before_delete", before); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("agenthive:after_delete", after("delete")); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("agenthive:before_row", before); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("agenthive:after_row", after("row")); err != nil {
		return err
	}
	if err := cb.Raw().Before("gorm:raw").Register("agenthive:before_raw", before); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("agenthive:after_raw", after("raw")); err != nil {
		return err
	}
	return nil
}

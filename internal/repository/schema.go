package repository

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var (
	// JobsColumns holds the columns for the "jobs" table.
	JobsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "filename", Type: field.TypeString},
		{Name: "file_path", Type: field.TypeString},
		{Name: "language", Type: field.TypeString, Default: ""},
		{Name: "priority", Type: field.TypeInt, Default: 0},
		{Name: "state", Type: field.TypeString},
		{Name: "attempts_made", Type: field.TypeInt, Default: 0},
		{Name: "max_attempts", Type: field.TypeInt},
		{Name: "progress", Type: field.TypeInt, Default: 0},
		{Name: "result", Type: field.TypeString, Nullable: true, SchemaType: map[string]string{dialect.Postgres: "text"}},
		{Name: "failure_reason", Type: field.TypeString, Default: "", SchemaType: map[string]string{dialect.Postgres: "text"}},
		{Name: "enqueued_at", Type: field.TypeInt64},
		{Name: "started_at", Type: field.TypeInt64, Nullable: true},
		{Name: "finished_at", Type: field.TypeInt64, Nullable: true},
		{Name: "run_at", Type: field.TypeInt64},
		{Name: "stalled_count", Type: field.TypeInt, Default: 0},
		{Name: "lock_token", Type: field.TypeString, Nullable: true},
		{Name: "lease_expires_at", Type: field.TypeInt64, Nullable: true},
		{Name: "input_removed", Type: field.TypeInt, Default: 0},
	}
	// JobsTable holds the schema information for the "jobs" table.
	JobsTable = &schema.Table{
		Name:       "jobs",
		Columns:    JobsColumns,
		PrimaryKey: []*schema.Column{JobsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "job_state_priority_enqueued_at",
				Columns: []*schema.Column{JobsColumns[5], JobsColumns[4], JobsColumns[11]},
			},
			{
				Name:    "job_finished_at",
				Columns: []*schema.Column{JobsColumns[13]},
			},
			{
				Name:    "job_lease_expires_at",
				Columns: []*schema.Column{JobsColumns[17]},
			},
			{
				Name:    "job_state_input_removed",
				Columns: []*schema.Column{JobsColumns[5], JobsColumns[18]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{JobsTable}
)

// Migrate creates or upgrades the job table and its indexes. Columns and
// indexes are only ever added.
func (db *DB) Migrate(ctx context.Context) error {
	m, err := schema.NewMigrate(db.drv)
	if err != nil {
		return fmt.Errorf("ent migrate: %w", err)
	}
	return m.Create(ctx, Tables...)
}

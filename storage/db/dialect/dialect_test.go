package dialect

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.Equal(t, NameSQLite, New("SQLite3").Name())
	assert.Equal(t, NamePostgres, New(" postgresql ").Name())
	assert.Equal(t, NameUnknown, New("mysql").Name())

	assert.Equal(t, "postgres", New("postgres").DriverName())
	assert.Equal(t, "sqlite", New("sqlite").DriverName())
}

func TestRebind(t *testing.T) {
	q := "UPDATE sagas SET status = ? WHERE saga_id = ? AND status IN (?, ?)"
	assert.Equal(t, "UPDATE sagas SET status = $1 WHERE saga_id = $2 AND status IN ($3, $4)", New("postgres").Rebind(q))
	assert.Equal(t, q, New("sqlite").Rebind(q))
	assert.Equal(t, "", New("postgres").Rebind(""))
}

func TestIsUniqueViolation(t *testing.T) {
	pg := New("postgres")
	assert.True(t, pg.IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, pg.IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, pg.IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, pg.IsUniqueViolation(nil))

	lite := New("sqlite")
	assert.True(t, lite.IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: workflows.name (2067)")))
	assert.False(t, lite.IsUniqueViolation(errors.New("no such table: workflows")))
}

package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type uniqueRow struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3", "SQLite"} {
		d, err := Dialector(driver, "dsn")
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}

	_, err := Dialector("oracle", "dsn")
	assert.Error(t, err)
}

func TestOpen_SQLiteUniqueViolation(t *testing.T) {
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&uniqueRow{}))

	require.NoError(t, db.Create(&uniqueRow{Name: "a"}).Error)
	err = db.Create(&uniqueRow{Name: "a"}).Error
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("connection refused")))
	assert.True(t, IsUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "x" (SQLSTATE 23505)`)))
	assert.True(t, IsUniqueViolation(errors.New("Error 1062: Duplicate entry 'a' for key 'name'")))
	assert.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: rows.name")))
}

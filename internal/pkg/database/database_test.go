package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite(t *testing.T) {
	db, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer Close(db)

	assert.Equal(t, "sqlite3", db.DriverName())
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)

	var one int
	require.NoError(t, db.Get(&one, "SELECT 1"))
	assert.Equal(t, 1, one)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "root@/credits")
	assert.Error(t, err)
}

func TestNewRedisWithoutURL(t *testing.T) {
	client, err := NewRedis("")
	require.NoError(t, err)
	assert.Nil(t, client)

	CloseRedis(nil)
	Close(nil)
}

func TestNewRedisBadURL(t *testing.T) {
	_, err := NewRedis("not-a-redis-url")
	assert.Error(t, err)
}

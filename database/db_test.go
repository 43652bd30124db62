package database

import (
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/config"
)

func resetInstance() {
	instance = nil
	once = sync.Once{}
}

func TestGetDBConnection_ReusesInstance(t *testing.T) {
	resetInstance()
	defer resetInstance()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Pretend the first connection already happened.
	once.Do(func() { instance = &Datasource{Conn: db} })

	cfg := &config.Configuration{DataSource: config.DataSourceConfig{Dns: "invalid-dns"}}
	ds1, err := GetDBConnection(cfg)
	require.NoError(t, err)
	ds2, err := GetDBConnection(cfg)
	require.NoError(t, err)
	assert.Same(t, ds1, ds2)
	assert.Same(t, db, ds1.Conn)
}

func TestGetDBConnection_Failure(t *testing.T) {
	resetInstance()
	defer resetInstance()

	cfg := &config.Configuration{DataSource: config.DataSourceConfig{Dns: "invalid-dns"}}
	_, err := GetDBConnection(cfg)
	assert.Error(t, err)

	// A failed first attempt leaves no instance behind.
	_, err = NewDataSource(cfg)
	assert.Error(t, err)
}

func TestConnectDB_Failure(t *testing.T) {
	db, err := ConnectDB("invalid-dns")
	assert.Error(t, err)
	assert.Nil(t, db)
}

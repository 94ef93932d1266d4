package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"
)

type fakeConnector struct{}

func (fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return nil, errors.New("no backend")
}

func (fakeConnector) Driver() driver.Driver { return nil }

func TestConnectRejectsEmptyURL(t *testing.T) {
	if _, err := Connect(context.Background(), "  ", DefaultServerOptions()); err == nil {
		t.Fatal("expected error for empty DATABASE_URL")
	}
}

func TestConnectPingFailureCloses(t *testing.T) {
	orig := openDB
	defer func() { openDB = orig }()
	openDB = func(driverName, dsn string) (*sql.DB, error) {
		return sql.OpenDB(fakeConnector{}), nil
	}

	if _, err := Connect(context.Background(), "postgres://nowhere", DefaultWorkerOptions()); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "17")
	t.Setenv("DB_CONN_MAX_LIFETIME", "45m")
	opts := OptionsFromEnv(DefaultServerOptions())
	if opts.MaxOpenConns != 17 {
		t.Fatalf("expected MaxOpenConns=17, got %d", opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime != 45*time.Minute {
		t.Fatalf("expected ConnMaxLifetime=45m, got %s", opts.ConnMaxLifetime)
	}
	if opts.MaxIdleConns != DefaultServerOptions().MaxIdleConns {
		t.Fatalf("unset env must keep default, got %d", opts.MaxIdleConns)
	}
}

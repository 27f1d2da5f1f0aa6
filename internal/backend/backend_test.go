package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ybxl/ftqueue/internal/config"
	redisq "github.com/ybxl/ftqueue/internal/redis"
	"github.com/ybxl/ftqueue/internal/sqlstore"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	s, err := Open(ctx, config.StoreConfig{Driver: config.DriverRedis, RedisAddr: mr.Addr(), Timeout: time.Second})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	if _, ok := s.(*redisq.Store); !ok {
		t.Fatalf("expected redis store, got %T", s)
	}
	s.Close()

	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err = Open(ctx, config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: path, Timeout: time.Second})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, ok := s.(*sqlstore.Store); !ok {
		t.Fatalf("expected sqlite store, got %T", s)
	}
	s.Close()

	if _, err := Open(ctx, config.StoreConfig{Driver: "mongo"}); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

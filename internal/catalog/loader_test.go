package catalog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"flash_order/internal/model"
	rediskey "flash_order/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupLoader(t *testing.T) (*Loader, *gorm.DB, *miniredis.Miniredis) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Product{}))

	mr := miniredis.RunT(t)
	client := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLoader(db, client, 10*time.Minute), db, mr
}

func TestGet_FromDBOnCacheMiss(t *testing.T) {
	l, db, _ := setupLoader(t)
	ctx := context.Background()

	p := &model.Product{Name: "限量款", Stock: 100, SalePrice: 9900,
		StartTime: time.Now().Add(-time.Hour), EndTime: time.Now().Add(time.Hour)}
	require.NoError(t, db.Create(p).Error)

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "限量款", got.Name)
	assert.Equal(t, int64(9900), got.SalePrice)
}

func TestGet_FromCache(t *testing.T) {
	l, _, mr := setupLoader(t)
	ctx := context.Background()

	// DB 里没有该商品，只有缓存：命中则不回源
	p := model.Product{Name: "cache-only", SalePrice: 100}
	p.ID = 42
	b, _ := json.Marshal(&p)
	require.NoError(t, mr.Set(rediskey.ProductCacheKey(42), string(b)))

	got, err := l.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "cache-only", got.Name)
}

func TestGet_NotFound(t *testing.T) {
	l, _, _ := setupLoader(t)
	_, err := l.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_CorruptCacheFallsBackToDB(t *testing.T) {
	l, db, mr := setupLoader(t)
	ctx := context.Background()

	p := &model.Product{Name: "ok", SalePrice: 100,
		StartTime: time.Now(), EndTime: time.Now().Add(time.Hour)}
	require.NoError(t, db.Create(p).Error)
	require.NoError(t, mr.Set(rediskey.ProductCacheKey(p.ID), "{broken"))

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Name)
}

func TestInvalidate(t *testing.T) {
	l, _, mr := setupLoader(t)
	require.NoError(t, mr.Set(rediskey.ProductCacheKey(7), "{}"))
	require.NoError(t, l.Invalidate(context.Background(), 7))
	assert.False(t, mr.Exists(rediskey.ProductCacheKey(7)))
}

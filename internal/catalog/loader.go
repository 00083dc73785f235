package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flash_order/internal/model"
	rediskey "flash_order/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ErrNotFound 商品不存在。
var ErrNotFound = errors.New("product not found")

// Loader 带 Redis 缓存的商品读取器。
// 秒杀开抢瞬间同一商品的读取量极大，用 singleflight 合并并发回源，防止缓存击穿。
type Loader struct {
	db  *gorm.DB
	rdb *rd.Client
	ttl time.Duration
	sfg singleflight.Group
}

func NewLoader(db *gorm.DB, rdb *rd.Client, ttl time.Duration) *Loader {
	return &Loader{db: db, rdb: rdb, ttl: ttl}
}

// Get 读取商品：缓存命中直接返回，未命中回源 DB 并异步回填。
func (l *Loader) Get(ctx context.Context, productID uint) (*model.Product, error) {
	key := rediskey.ProductCacheKey(productID)

	v, err, _ := l.sfg.Do(key, func() (interface{}, error) {
		raw, cacheErr := l.rdb.Get(ctx, key).Bytes()
		if cacheErr == nil {
			var p model.Product
			if unmarshalErr := json.Unmarshal(raw, &p); unmarshalErr == nil {
				return &p, nil
			}
			// 缓存内容损坏按未命中处理，回源覆盖
		} else if !errors.Is(cacheErr, rd.Nil) {
			log.Warn().Err(cacheErr).Uint("product_id", productID).Msg("product cache get")
		}

		var p model.Product
		if dbErr := l.db.WithContext(ctx).First(&p, productID).Error; dbErr != nil {
			if errors.Is(dbErr, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, dbErr
		}

		go func() {
			b, marshalErr := json.Marshal(&p)
			if marshalErr != nil {
				return
			}
			if setErr := l.rdb.Set(context.Background(), key, b, l.ttl).Err(); setErr != nil {
				log.Warn().Err(setErr).Uint("product_id", productID).Msg("product cache set")
			}
		}()

		return &p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Product), nil
}

// Invalidate 在商品被管理端修改后清理缓存。
func (l *Loader) Invalidate(ctx context.Context, productID uint) error {
	return l.rdb.Del(ctx, rediskey.ProductCacheKey(productID)).Err()
}

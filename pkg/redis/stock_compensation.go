package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaCompensateStockOnce 通过带 TTL 的 NX 锁保证「同一请求只回补一次」。
// 锁值记回补数量，排查重复回补问题时可直接查看。
const luaCompensateStockOnce = `
local lockKey = KEYS[1]
local stockKey = KEYS[2]
local quantity = tonumber(ARGV[1])
local ttlSec = tonumber(ARGV[2])

if redis.call('SET', lockKey, quantity, 'NX', 'EX', ttlSec) then
  return redis.call('INCRBY', stockKey, quantity)
end
return -1
`

// compensationLockTTL 必须长于任何可能的重试/重放窗口。
const compensationLockTTL = 7 * 24 * time.Hour

// CompensateStockOnce 幂等回补库存：
// - 首次回补返回 true
// - 重复回补返回 false（不会重复加库存）
func CompensateStockOnce(ctx context.Context, rdb *rd.Client, requestID string, productID uint, quantity int64) (bool, error) {
	lockKey := CompensationLockKey(requestID)
	stockKey := StockKey(productID)

	n, err := rdb.Eval(ctx, luaCompensateStockOnce, []string{lockKey, stockKey},
		quantity, int64(compensationLockTTL/time.Second)).Int64()
	if err != nil {
		return false, err
	}
	return n >= 0, nil
}

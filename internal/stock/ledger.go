package stock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"flash_order/internal/metrics"
	rediskey "flash_order/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// luaReserveStock：Redis 内原子「读库存 → 判断 ≥ 扣减量 → DECRBY」
// KEYS[1]=库存key，ARGV[1]=扣减数量
// 返回 {1, 剩余库存} 表示预留成功；{0, 当前库存} 表示库存不足。
const luaReserveStock = `
local key = KEYS[1]
local decr = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', key) or '0')
if current >= decr then
  return {1, redis.call('DECRBY', key, decr)}
end
return {0, current}
`

// ErrConflict 表示请求量超过当前可售量，是正常控制流结果而非存储故障。
var ErrConflict = errors.New("insufficient stock")

// ErrAlreadyResolved 表示该预留已提交或已释放，不允许二次决议。
var ErrAlreadyResolved = errors.New("reservation already resolved")

// ConflictError 附带冲突时的库存明细，errors.Is(err, ErrConflict) 成立。
type ConflictError struct {
	ProductID uint
	Requested int64
	Available int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

const (
	resHeld int32 = iota
	resCommitted
	resReleased
)

// Reservation 是一次针对库存的临时占用，只在 pipeline 调用期间存活；
// 必须被 Commit 或 Release 恰好决议一次。
type Reservation struct {
	RequestID string
	ProductID uint
	Quantity  int64

	state atomic.Int32
}

// Resolved 返回该预留是否已被提交或释放。
func (r *Reservation) Resolved() bool { return r.state.Load() != resHeld }

// Ledger 独占管理商品可售量。扣减在 Redis Lua 脚本内原子完成：
// 同一商品的并发写天然串行，不同商品互不阻塞，且持锁期间不含任何网络往返之外的工作。
type Ledger struct {
	rdb  *rd.Client
	sink metrics.Sink
}

func NewLedger(rdb *rd.Client, sink metrics.Sink) *Ledger {
	return &Ledger{rdb: rdb, sink: sink}
}

// Reserve 为 requestID 预留 qty 件库存。库存不足返回 *ConflictError。
// 可售量不变式：任何时刻 ≥ 0，包括并发写交错期间。
func (l *Ledger) Reserve(ctx context.Context, requestID string, productID uint, qty int64) (*Reservation, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("quantity must be > 0, got %d", qty)
	}
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}

	key := rediskey.StockKey(productID)
	res, err := l.rdb.Eval(ctx, luaReserveStock, []string{key}, qty).Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve stock: %w", err)
	}
	ok, amount, err := parseReserveReply(res)
	if err != nil {
		return nil, err
	}

	if ok != 1 {
		metrics.StockConflict(l.sink, productID, qty, amount)
		return nil, &ConflictError{ProductID: productID, Requested: qty, Available: amount}
	}

	return &Reservation{RequestID: requestID, ProductID: productID, Quantity: qty}, nil
}

// parseReserveReply 校验扣减脚本的返回形状。类型对不上说明脚本或 Redis 出了问题，
// 必须报错而不是当成库存冲突吞掉。
func parseReserveReply(res []interface{}) (int64, int64, error) {
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected reserve script result: %v", res)
	}
	ok, isInt := res[0].(int64)
	if !isInt {
		return 0, 0, fmt.Errorf("unexpected reserve script result type: %T", res[0])
	}
	amount, isInt := res[1].(int64)
	if !isInt {
		return 0, 0, fmt.Errorf("unexpected reserve script result type: %T", res[1])
	}
	return ok, amount, nil
}

// Commit 将预留提升为永久扣减。扣减本身在 Reserve 时已落在 Redis，
// 这里占住回补锁，保证后续任何迟到的 Release/回补都变成空操作。
func (l *Ledger) Commit(ctx context.Context, r *Reservation) error {
	if !r.state.CompareAndSwap(resHeld, resCommitted) {
		return ErrAlreadyResolved
	}
	lockKey := rediskey.CompensationLockKey(r.RequestID)
	const lockTTL = 7 * 24 * time.Hour
	if err := l.rdb.SetNX(ctx, lockKey, "committed", lockTTL).Err(); err != nil {
		// 锁写入失败不影响已生效的扣减，只削弱跨进程重复回补防护。
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

// Release 丢弃预留并归还库存。借助回补锁做到幂等：同一 requestID 只会加回一次。
// 回补写入失败时预留回到未决议态，调用方必须重试，否则这部分库存就永久丢了。
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if !r.state.CompareAndSwap(resHeld, resReleased) {
		return ErrAlreadyResolved
	}
	_, err := rediskey.CompensateStockOnce(ctx, l.rdb, r.RequestID, r.ProductID, r.Quantity)
	if err != nil {
		r.state.Store(resHeld)
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// Preload 将 DB 初始库存预热进 Redis，供高并发扣减。
func (l *Ledger) Preload(ctx context.Context, productID uint, stock int64, ttl time.Duration) error {
	return l.rdb.Set(ctx, rediskey.StockKey(productID), stock, ttl).Err()
}

// Available 查询当前可售量；key 不存在视作 0。
func (l *Ledger) Available(ctx context.Context, productID uint) (int64, error) {
	val, err := l.rdb.Get(ctx, rediskey.StockKey(productID)).Int64()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}

package throttle

import (
	"context"
	"fmt"
	"time"

	rediskey "flash_order/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// luaSlidingWindow：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前毫秒时间戳，ARGV[2]=窗口起点，ARGV[3]=窗口毫秒数，
// ARGV[4]=成员，ARGV[5]=限额
// 返回 {1, 窗口内请求数} 表示放行；{0, 最早请求时间戳} 表示限流。
const luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local member = ARGV[4]
local limit = tonumber(ARGV[5])

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, windowMs)
  return {1, count + 1}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2])}
`

// Decision 是一次准入判定结果。被限流时 RetryAfter > 0 且不超过配置上限。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter 按 (user, product) 粒度做滑动窗口准入控制。
// 窗口计数放在 Redis，多实例共享；Lua 保证“清理-计数-登记”原子完成。
type Limiter struct {
	rdb      *rd.Client
	limit    int
	window   time.Duration
	retryCap time.Duration
	failOpen bool

	now func() time.Time // 测试注入
}

func NewLimiter(rdb *rd.Client, limit int, window, retryCap time.Duration) *Limiter {
	return &Limiter{
		rdb:      rdb,
		limit:    limit,
		window:   window,
		retryCap: retryCap,
		failOpen: true,
		now:      time.Now,
	}
}

// Allow 判定 (user, product) 是否可进入下单流程。
// user/product 必填；放行时窗口计数已原子 +1。
func (l *Limiter) Allow(ctx context.Context, userID int64, productID uint) (Decision, error) {
	if userID <= 0 {
		return Decision{}, fmt.Errorf("user id is required")
	}
	if productID == 0 {
		return Decision{}, fmt.Errorf("product id is required")
	}
	return l.allowKey(ctx, rediskey.ThrottleKey(userID, productID))
}

// AllowIP 按来源 IP 兜底限流，供 HTTP 中间件在 user_id 缺失时使用。
func (l *Limiter) AllowIP(ctx context.Context, ip string) (Decision, error) {
	if ip == "" {
		return Decision{}, fmt.Errorf("ip is required")
	}
	return l.allowKey(ctx, rediskey.ThrottleIPKey(ip))
}

func (l *Limiter) allowKey(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()
	member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())

	res, err := l.rdb.Eval(ctx, luaSlidingWindow, []string{key},
		nowMs, nowMs-windowMs, windowMs, member, l.limit).Slice()
	if err != nil {
		// Redis 出错时按策略降级，绝不阻塞调用方。
		log.Warn().Err(err).Str("key", key).Bool("fail_open", l.failOpen).Msg("throttle redis error, degrading")
		if l.failOpen {
			return Decision{Allowed: true}, nil
		}
		return Decision{Allowed: false, RetryAfter: time.Second}, nil
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected throttle script result: %v", res)
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected throttle script result type: %T", res[0])
	}
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}

	oldestMs, _ := res[1].(int64)
	retryAfter := time.Duration(oldestMs+windowMs-nowMs) * time.Millisecond
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	// 对外提示与窗口、熔断冷却解耦，单独封顶，避免给出惩罚性等待。
	if retryAfter > l.retryCap {
		retryAfter = l.retryCap
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

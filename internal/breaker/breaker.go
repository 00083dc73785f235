package breaker

import (
	"sync"
	"time"

	"flash_order/internal/metrics"
)

// State 熔断器状态机。
type State int

const (
	StateClosed   State = iota // 正常放行
	StateOpen                  // 快速失败
	StateHalfOpen              // 仅允许一个探测请求
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker 跟踪支付依赖健康度，进程级共享，由所有调用方传引用使用。
// 状态迁移：
//   - CLOSED → OPEN：滚动窗口内连续失败数达到阈值
//   - OPEN → HALF_OPEN：open 后经过冷却期，放行一个探测
//   - HALF_OPEN → CLOSED：探测成功；HALF_OPEN → OPEN：探测失败，重置冷却
//
// Allow 纯内存判定，OPEN 期间亚毫秒返回，这是正确性要求而非优化。
type Breaker struct {
	name      string
	threshold int
	window    time.Duration
	cooldown  time.Duration
	sink      metrics.Sink

	mu            sync.Mutex
	state         State
	failures      []time.Time // 窗口内失败时间戳
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time // 测试注入
}

func New(name string, threshold int, window, cooldown time.Duration, sink metrics.Sink) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		sink:      sink,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow 判定是否放行一次支付调用。返回 false 表示应立即按不可用处理。
// HALF_OPEN 期间恰好放行一个探测；探测未决时其余调用一律拒绝。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// OnSuccess 上报一次成功的终态：清空失败流水，半开时闭合。
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	b.failures = b.failures[:0]
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// OnFailure 上报一次失败的终态：累计窗口内失败，达到阈值或探测失败则打开。
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.openedAt = now
		b.transition(StateOpen)
		return
	}
	if b.state == StateOpen {
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.threshold {
		b.openedAt = now
		b.failures = b.failures[:0]
		b.transition(StateOpen)
	}
}

// State 返回当前状态快照。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cooldown 返回配置的冷却时长，供对外 retry-after 提示参考。
func (b *Breaker) Cooldown() time.Duration { return b.cooldown }

// Reset 管理员操作：强制闭合并清空历史。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// prune 丢弃滚动窗口外的失败记录。调用方必须持锁。
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// transition 切换状态并上报监控事件。调用方必须持锁。
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	metrics.BreakerTransition(b.sink, b.name, from.String(), to.String())
}

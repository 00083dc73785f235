package redis

import "fmt"

// StockKey 统一约定商品可售库存键名。
func StockKey(productID uint) string {
	return fmt.Sprintf("flash_order:stock:%d", productID)
}

// CompensationLockKey 标记某个 request_id 是否已做过库存回补。
func CompensationLockKey(requestID string) string {
	return fmt.Sprintf("flash_order:stock:compensated:%s", requestID)
}

// RequestStatusKey 存储 request_id 的处理状态（pending/paid/failed/rolled_back）。
func RequestStatusKey(requestID string) string {
	return fmt.Sprintf("flash_order:request:status:%s", requestID)
}

// UserPurchaseLockKey 标记某用户在某商品上的“已占位/已下单”状态。
func UserPurchaseLockKey(productID uint, userID int64) string {
	return fmt.Sprintf("flash_order:purchase:lock:%d:%d", productID, userID)
}

// ThrottleKey 按 (user, product) 粒度的限流窗口键。
func ThrottleKey(userID int64, productID uint) string {
	return fmt.Sprintf("flash_order:throttle:%d:%d", userID, productID)
}

// ThrottleIPKey 按来源 IP 的兜底限流键（user_id 解析失败时降级使用）。
func ThrottleIPKey(ip string) string {
	return fmt.Sprintf("flash_order:throttle:ip:%s", ip)
}

// ProductCacheKey 商品详情缓存键，供 catalog loader 使用。
func ProductCacheKey(productID uint) string {
	return fmt.Sprintf("flash_order:product:%d", productID)
}

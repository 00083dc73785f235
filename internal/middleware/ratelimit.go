package middleware

import (
	"net/http"
	"strconv"
	"time"

	"flash_order/internal/throttle"

	"github.com/gin-gonic/gin"
)

// IPFloodLimit 按来源 IP 做入口级限流，挡住刷接口的异常流量。
// 用户/商品粒度的精细限流在 pipeline 内完成，这里只是粗粒度闸门。
func IPFloodLimit(limiter *throttle.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		dec, err := limiter.AllowIP(c.Request.Context(), c.ClientIP())
		if err != nil {
			// 判定失败按放行处理，不把入口闸门变成故障点
			c.Next()
			return
		}
		if !dec.Allowed {
			retryAfter := int(dec.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":        http.StatusTooManyRequests,
				"msg":         "请求过于频繁，请稍后再试",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

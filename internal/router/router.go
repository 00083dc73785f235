package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"flash_order/internal/breaker"
	"flash_order/internal/catalog"
	"flash_order/internal/config"
	"flash_order/internal/middleware"
	"flash_order/internal/model"
	"flash_order/internal/pipeline"
	"flash_order/internal/stock"
	"flash_order/internal/throttle"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, db *gorm.DB, p *pipeline.Pipeline, ledger *stock.Ledger,
	loader *catalog.Loader, ipLimiter *throttle.Limiter, brk *breaker.Breaker, cfg config.AppConfig) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	// Products
	r.GET("/api/products", listProducts(db))
	r.GET("/api/products/:product_id", getProduct(loader))
	r.POST("/api/products", createProduct(db, loader))
	// flash Sale
	r.POST("/api/flash_sale/preload/:product_id", preloadStock(db, ledger, cfg.PreloadAdminToken, cfg.StockCacheTTL))
	r.GET("/api/flash_sale/stock/:product_id", getStock(ledger))
	r.POST("/api/flash_sale/buy", middleware.IPFloodLimit(ipLimiter), buy(p))
	r.GET("/api/flash_sale/result/:request_id", getResult(p))
	// Admin
	r.POST("/api/admin/breaker/reset", resetBreaker(brk, cfg.PreloadAdminToken))
}

// listProducts 查询商品列表。
func listProducts(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var list []model.Product
		if err := db.Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// getProduct 走缓存加载器查询单个商品。
func getProduct(loader *catalog.Loader) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseProductID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商品ID无效"})
			return
		}
		p, err := loader.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商品不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
	}
}

// createProduct 创建秒杀商品（含时间窗校验）。
func createProduct(db *gorm.DB, loader *catalog.Loader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name      string `json:"name" binding:"required"`
			Stock     int64  `json:"stock" binding:"required,min=1"`
			SalePrice int64  `json:"sale_price" binding:"required,min=1"`
			StartTime string `json:"start_time" binding:"required"`
			EndTime   string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "start_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(start) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 start_time"})
			return
		}
		p := &model.Product{
			Name:      req.Name,
			Stock:     req.Stock,
			SalePrice: req.SalePrice,
			StartTime: start,
			EndTime:   end,
		}
		if err := db.Create(p).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		// 防止同 ID 复用时读到旧缓存
		_ = loader.Invalidate(c.Request.Context(), p.ID)
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
	}
}

// preloadStock 将 DB 库存预热到 Redis，供高并发扣减。
// 该接口要求简单管理员 token，避免被任意调用重置库存。
func preloadStock(db *gorm.DB, ledger *stock.Ledger, adminToken string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		id, err := parseProductID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商品ID无效"})
			return
		}
		var p model.Product
		if err := db.First(&p, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商品不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if err := ledger.Preload(c.Request.Context(), id, p.Stock, ttl); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(ledger *stock.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseProductID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商品ID无效"})
			return
		}
		val, err := ledger.Available(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": val}})
	}
}

// buy 是秒杀下单入口，终态由 pipeline 决定，这里只做协议映射：
// 成功 200，限流 429，库存不足/重复购买 409，拒付 402，支付通道不可用 503。
func buy(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID uint   `json:"product_id" binding:"required,min=1"`
			UserID    int64  `json:"user_id" binding:"required,min=1"`
			Quantity  int    `json:"quantity" binding:"omitempty,min=1,max=1"`
			Method    string `json:"method" binding:"omitempty,max=32"`
			Address   string `json:"address" binding:"omitempty,max=255"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.Quantity <= 0 {
			req.Quantity = 1
		}

		res := p.Checkout(c.Request.Context(), pipeline.CheckoutRequest{
			UserID:    req.UserID,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Method:    req.Method,
			Address:   req.Address,
		})

		switch res.Outcome {
		case pipeline.OutcomeSuccess:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
				"request_id":  res.RequestID,
				"order_no":    res.OrderNo,
				"payment_ref": res.PaymentRef,
				"status":      "paid",
			}})
		case pipeline.OutcomeThrottled:
			retryAfter := retryAfterSeconds(res.RetryAfter)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{"code": 429, "msg": "请求过于频繁，请稍后再试", "retry_after": retryAfter})
		case pipeline.OutcomeConflict:
			c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "库存不足", "available": res.Available})
		case pipeline.OutcomeDuplicate:
			c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "您已有在途或成功的抢购请求"})
		case pipeline.OutcomeDeclined:
			c.JSON(http.StatusPaymentRequired, gin.H{"code": 402, "msg": "支付被拒绝", "reason": res.Reason, "request_id": res.RequestID})
		case pipeline.OutcomeUnavailable:
			retryAfter := retryAfterSeconds(res.RetryAfter)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "支付通道暂不可用，请稍后再试", "retry_after": retryAfter, "request_id": res.RequestID})
		case pipeline.OutcomeInvalid:
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": res.Reason})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": res.Reason})
		}
	}
}

// getResult 轮询异步下单结果。
func getResult(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Param("request_id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "request_id 必填"})
			return
		}
		state, found, err := p.Lookup(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "请求不存在"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"request_id":  state.RequestID,
			"status":      state.Status,
			"order_no":    state.OrderNo,
			"payment_ref": state.PaymentRef,
			"reason":      state.Reason,
		}})
	}
}

// resetBreaker 管理员手工闭合熔断器（确认网关恢复后使用）。
func resetBreaker(brk *breaker.Breaker, adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		brk.Reset()
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "熔断器已复位", "state": brk.State().String()})
	}
}

func parseProductID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("product_id"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

func retryAfterSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

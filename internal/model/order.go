package model

import (
	"time"

	"gorm.io/gorm"
)

// OrderStatus 描述订单生命周期；状态只能由 pipeline 推进。
type OrderStatus int

const (
	OrderPending    OrderStatus = iota // 已创建，支付中
	OrderPaid                          // 支付成功，预留已提交
	OrderFailed                        // 支付失败（拒付/不可用）
	OrderRolledBack                    // 预留已回滚，库存已归还
)

// String 输出对外可读状态名。
func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderPaid:
		return "paid"
	case OrderFailed:
		return "failed"
	case OrderRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// OrderNoFor 由 request_id 推导订单号，保证重复终结得到同一回执。
func OrderNoFor(requestID string) string {
	if len(requestID) > 12 {
		return "FO" + requestID[:12]
	}
	return "FO" + requestID
}

// Order 秒杀订单
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo    string      `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	UserID     int64       `gorm:"not null;index" json:"user_id"`
	ProductID  uint        `gorm:"not null;index" json:"product_id"`
	Quantity   int         `gorm:"not null;default:1" json:"quantity"`
	Address    string      `gorm:"size:255" json:"address"`
	Amount     int64       `gorm:"not null" json:"amount"` // 总金额，单位分
	Status     OrderStatus `gorm:"not null;default:0;index" json:"status"`
	PaymentRef string      `gorm:"size:64" json:"payment_ref"`
	RequestID  string      `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
}

// 显式实现结构，确定表名
func (Order) TableName() string { return "orders" }

package model

import (
	"time"
)

// PaymentOutcome 支付尝试结果分类。
type PaymentOutcome string

const (
	PaymentSuccess          PaymentOutcome = "success"
	PaymentTransientFailure PaymentOutcome = "transient_failure"
	PaymentPermanentFailure PaymentOutcome = "permanent_failure"
)

// PaymentAttempt 记录一次真实的网关调用；订单最多持有一条终态记录。
type PaymentAttempt struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RequestID   string         `gorm:"size:64;index;not null" json:"request_id"`
	AttemptNo   int            `gorm:"not null" json:"attempt_no"`
	Method      string         `gorm:"size:32;not null" json:"method"`
	Amount      int64          `gorm:"not null" json:"amount"`
	Outcome     PaymentOutcome `gorm:"size:32;not null" json:"outcome"`
	ProviderRef string         `gorm:"size:64" json:"provider_ref"` // 仅成功时填写
	LatencyMS   int64          `gorm:"not null" json:"latency_ms"`
	ErrorMsg    string         `gorm:"size:255" json:"error_msg"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

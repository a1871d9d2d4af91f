package db

import (
	"time"

	"ChatAssist-bot/internal/tariff"
)

// User внешний пользователь Telegram. Не изменяется и не удаляется.
type User struct {
	ID           uint  `gorm:"primaryKey"`
	TelegramID   int64 `gorm:"uniqueIndex;not null"`
	Username     string
	FirstName    string
	LastName     string
	RegisteredAt time.Time `gorm:"not null;autoCreateTime:false"`
}

// Profile данные пользователя из апдейта Telegram.
type Profile struct {
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
	SeenAt     time.Time
}

// Subscription одна на пользователя. Истечение не хранится, а вычисляется по EndTime.
type Subscription struct {
	ID     uint       `gorm:"primaryKey"`
	UserID uint       `gorm:"uniqueIndex;not null"`
	Plan   tariff.Key `gorm:"type:varchar(32);not null"`
	// DailyLimit снимок лимита плана на момент активации.
	DailyLimit int       `gorm:"not null"`
	StartTime  time.Time `gorm:"not null"`
	EndTime    time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
	// NotifiedEndTime EndTime, о скором окончании которого пользователь уже предупреждён.
	NotifiedEndTime *time.Time
}

// ValidAt подписка действует, если EndTime строго позже now.
func (s *Subscription) ValidAt(now time.Time) bool {
	return s != nil && s.EndTime.After(now)
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentCanceled  PaymentStatus = "CANCELED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Terminal true для всех статусов, кроме Pending.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentCanceled || s == PaymentFailed
}

// Payment платёж ЮKassa. ExternalID ключ идемпотентности при сверке уведомлений.
type Payment struct {
	ID          uint          `gorm:"primaryKey"`
	UserID      uint          `gorm:"index;not null"`
	ExternalID  string        `gorm:"uniqueIndex;not null"`
	AmountMinor int64         `gorm:"not null"`
	Currency    string        `gorm:"type:varchar(3);not null"`
	Status      PaymentStatus `gorm:"type:varchar(16);not null;index"`
	Plan        tariff.Key    `gorm:"type:varchar(32);not null"`
	CreatedAt   time.Time     `gorm:"not null;autoCreateTime:false"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime:false"`
}

type RequestStatus string

const (
	RequestProcessing RequestStatus = "PROCESSING"
	RequestSuccess    RequestStatus = "SUCCESS"
	RequestError      RequestStatus = "ERROR"
)

// RequestLog журнал попыток запросов (только добавление). По нему считается дневной расход.
type RequestLog struct {
	ID            uint          `gorm:"primaryKey"`
	UserID        uint          `gorm:"not null;index:idx_request_logs_user_time,priority:1"`
	RequestTime   time.Time     `gorm:"not null;index:idx_request_logs_user_time,priority:2"`
	RequestText   string        `gorm:"type:text;not null"`
	ResponseText  string        `gorm:"type:text"`
	Status        RequestStatus `gorm:"type:varchar(16);not null;index"`
	ProcessTimeMs *int64
}

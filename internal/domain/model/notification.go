package model

import "time"

// Типы событий уведомлений (notifications.event_type).
const (
	EventDisclosure      = "Disclosure"
	EventAssignment      = "Assignment"
	EventReview          = "Review"
	EventRejected        = "Rejected"
	EventSubscribeReport = "SubscribeReport"
)

// Notification — запись уведомления. Создаётся пакетно при событии,
// изменяется только флаг IsRead.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Email     *string   `json:"email,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Recipient — получатель уведомления с атрибутами идентичности,
// из которых выводятся ключи push-каналов.
type Recipient struct {
	UserID   int64
	Email    string
	Username string
	// EmailOverride — адрес для письма вместо основного (подписчики)
	EmailOverride string
}

package models

import "time"

// Status 是消息的投递状态，只允许单调递增。
type Status int

const (
	StatusSent      Status = 1
	StatusDelivered Status = 2
	StatusSeen      Status = 3
)

func (s Status) Valid() bool { return s >= StatusSent && s <= StatusSeen }

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	DisplayName  string `gorm:"size:128"`
	Bio          string `gorm:"size:512"`
	AvatarURL    string `gorm:"size:512"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message 除 Status 外创建后不可变。(sender_id, temp_id) 唯一，用于重放去重。
type Message struct {
	ID          uint   `gorm:"primaryKey"`
	SenderID    uint   `gorm:"index:idx_msg_pair,priority:1;uniqueIndex:idx_msg_sender_temp,priority:1;not null"`
	RecipientID uint   `gorm:"index:idx_msg_pair,priority:2;index:idx_msg_unread,priority:1;not null"`
	Text        string `gorm:"type:text"`
	ImageURL    string `gorm:"size:1024"`
	ReplyToID   *uint
	Status      Status  `gorm:"index:idx_msg_unread,priority:2;not null;default:1"`
	TempID      *string `gorm:"uniqueIndex:idx_msg_sender_temp,priority:2;size:128"`
	CreatedAt   time.Time
}

// Counterparty 返回消息在 userID 视角下的对方。
func (m *Message) Counterparty(userID uint) uint {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// Involves 判断 userID 是否是该消息所属会话的一方。
func (m *Message) Involves(userID uint) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

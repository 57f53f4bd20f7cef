package models

import "time"

// Participant 是一个可登录的账号，(Role, ID) 共同构成身份。
type Participant struct {
	Role        string `gorm:"primaryKey;size:16"`
	ID          uint   `gorm:"primaryKey;autoIncrement:false"`
	DisplayName string `gorm:"size:128"`
	Active      bool   `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Conversation struct {
	ID        uint   `gorm:"primaryKey"`
	Title     string `gorm:"size:128"`
	Kind      string `gorm:"size:32;index"`
	CreatedAt time.Time
}

// ConversationMember 记录会话成员，成员关系以此表为准。
type ConversationMember struct {
	ConversationID uint   `gorm:"primaryKey;autoIncrement:false"`
	Role           string `gorm:"primaryKey;size:16;index:idx_member_identity,priority:1"`
	ParticipantID  uint   `gorm:"primaryKey;autoIncrement:false;index:idx_member_identity,priority:2"`
	JoinedAt       time.Time
}

type Message struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID uint   `gorm:"index:idx_msg_conversation_id;not null"`
	SenderRole     string `gorm:"size:16;not null"`
	SenderID       uint   `gorm:"not null"`
	Content        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

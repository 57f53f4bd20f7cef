package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/protocol"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

const DefaultHistoryLimit = 50

var ErrConversationNotFound = errors.New("conversation not found")

// Store 是持久化网关，封装中继所需的全部数据库访问。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// VerifyIdentity reports whether the identity exists and is active.
func (s *Store) VerifyIdentity(ctx context.Context, id protocol.Identity) (bool, error) {
	var p models.Participant
	err := s.db.WithContext(ctx).
		Where("role = ? AND id = ?", string(id.Role), id.ID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify identity %s: %w", id, err)
	}
	return p.Active, nil
}

// MembershipsOf 返回该身份所属的全部会话 id，按 id 升序。
func (s *Store) MembershipsOf(ctx context.Context, id protocol.Identity) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("role = ? AND participant_id = ?", string(id.Role), id.ID).
		Order("conversation_id asc").
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("memberships of %s: %w", id, err)
	}
	return lo.Uniq(ids), nil
}

func (s *Store) IsMember(ctx context.Context, id protocol.Identity, conversationID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND role = ? AND participant_id = ?", conversationID, string(id.Role), id.ID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("membership %s in %d: %w", id, conversationID, err)
	}
	return count > 0, nil
}

// AppendMessage 持久化一条消息，id 与 created_at 由数据库在提交时分配。
func (s *Store) AppendMessage(ctx context.Context, conversationID uint, sender protocol.Identity, content string) (models.Message, error) {
	msg := models.Message{
		ConversationID: conversationID,
		SenderRole:     string(sender.Role),
		SenderID:       sender.ID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return models.Message{}, fmt.Errorf("append message to %d: %w", conversationID, err)
	}
	return msg, nil
}

// HistorySince 返回 id 大于 sinceID 的消息，按 id 升序，最多 limit 条。
// limit <= 0 means DefaultHistoryLimit; larger values are capped at
// protocol.MaxHistoryLimit.
func (s *Store) HistorySince(ctx context.Context, conversationID, sinceID uint, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, protocol.MaxHistoryLimit)
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND id > ?", conversationID, sinceID).
		Order("id asc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("history of %d since %d: %w", conversationID, sinceID, err)
	}
	return msgs, nil
}

// CreateConversation 创建会话并写入成员，供后台管理与测试数据使用。
func (s *Store) CreateConversation(ctx context.Context, title, kind string, members ...protocol.Identity) (*models.Conversation, error) {
	conv := models.Conversation{Title: title, Kind: kind}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		for _, m := range lo.Uniq(members) {
			if err := addMember(tx, conv.ID, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// AddMember adds id to an existing conversation.
func (s *Store) AddMember(ctx context.Context, conversationID uint, id protocol.Identity) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.First(&conv, conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}
		return addMember(tx, conversationID, id)
	})
	if err != nil {
		return fmt.Errorf("add %s to %d: %w", id, conversationID, err)
	}
	return nil
}

// RemoveMember drops id from the conversation. Missing rows are not an error.
func (s *Store) RemoveMember(ctx context.Context, conversationID uint, id protocol.Identity) error {
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ? AND participant_id = ?", conversationID, string(id.Role), id.ID).
		Delete(&models.ConversationMember{}).Error
	if err != nil {
		return fmt.Errorf("remove %s from %d: %w", id, conversationID, err)
	}
	return nil
}

// UpsertParticipant creates or updates the participant row for id.
func (s *Store) UpsertParticipant(ctx context.Context, id protocol.Identity, displayName string, active bool) error {
	p := models.Participant{Role: string(id.Role), ID: id.ID}
	err := s.db.WithContext(ctx).
		Where(models.Participant{Role: string(id.Role), ID: id.ID}).
		Assign(map[string]any{"display_name": displayName, "active": active}).
		FirstOrCreate(&p).Error
	if err != nil {
		return fmt.Errorf("upsert participant %s: %w", id, err)
	}
	return nil
}

func addMember(tx *gorm.DB, conversationID uint, id protocol.Identity) error {
	m := models.ConversationMember{
		ConversationID: conversationID,
		Role:           string(id.Role),
		ParticipantID:  id.ID,
		JoinedAt:       time.Now().UTC(),
	}
	return tx.Where(models.ConversationMember{
		ConversationID: conversationID,
		Role:           string(id.Role),
		ParticipantID:  id.ID,
	}).FirstOrCreate(&m).Error
}

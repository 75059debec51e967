package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/apperr"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// GetOwnedConversation loads a conversation and enforces ownership. A
// conversation belonging to someone else reads as not found so existence is
// never leaked.
func (r *Repo) GetOwnedConversation(ctx context.Context, userID uint64, conversationID string) (*Conversation, error) {
	var c Conversation
	err := r.db.WithContext(ctx).
		Where("id = ?", conversationID).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ConversationNotFound()
		}
		return nil, err
	}
	if c.UserID != userID {
		return nil, apperr.ConversationNotFound()
	}
	return &c, nil
}

func (r *Repo) ListConversations(ctx context.Context, userID uint64, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var out []Conversation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *Repo) RenameConversation(ctx context.Context, userID uint64, conversationID, title string) (*Conversation, error) {
	c, err := r.GetOwnedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(c).Update("title", title).Error; err != nil {
		return nil, err
	}
	c.Title = title
	return c, nil
}

// DeleteConversation removes the conversation and all of its messages in one
// transaction.
func (r *Repo) DeleteConversation(ctx context.Context, userID uint64, conversationID string) error {
	if _, err := r.GetOwnedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Message{}, "conversation_id = ?", conversationID).Error; err != nil {
			return err
		}
		return tx.Delete(&Conversation{}, "id = ?", conversationID).Error
	})
}

func (r *Repo) UpdateConversationModel(ctx context.Context, conversationID, model string) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", conversationID).
		Update("model", model).Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// FinalizeAssistantMessage writes the terminal state of an in-progress
// assistant message exactly once.
func (r *Repo) FinalizeAssistantMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"content":           m.Content,
			"model":             m.Model,
			"finish_reason":     m.FinishReason,
			"prompt_tokens":     m.PromptTokens,
			"completion_tokens": m.CompletionTokens,
			"total_tokens":      m.TotalTokens,
			"elapsed_ms":        m.ElapsedMS,
		}).Error
}

func (r *Repo) DeleteMessage(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&Message{}, "id = ?", id).Error
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages in ascending creation order.
func (r *Repo) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// ListRecentMessagesDesc returns the most recent messages, newest first.
// Callers reverse the slice to build provider context.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// LastUserMessage returns the most recent user-role message, if any.
func (r *Repo) LastUserMessage(ctx context.Context, conversationID string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ?", conversationID, RoleUser).
		Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LastAssistantMessageAfter returns the first assistant message following the
// given message id, if any.
func (r *Repo) LastAssistantMessageAfter(ctx context.Context, conversationID, afterID string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ? AND id > ?", conversationID, RoleAssistant, afterID).
		Order("id ASC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

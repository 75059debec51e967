package chat

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is owned by exactly one user. Deleting it cascades to its
// messages at the repo layer.
type Conversation struct {
	ID           string    `gorm:"primaryKey;size:26" json:"id"`
	UserID       uint64    `gorm:"index;not null" json:"-"`
	Title        string    `gorm:"type:varchar(255);not null" json:"title"`
	Model        string    `gorm:"type:varchar(128)" json:"model,omitempty"`
	SystemPrompt string    `gorm:"type:text" json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `gorm:"index" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// Message is immutable once finalized. An in-progress assistant message is
// created empty, filled as chunks arrive, and finalized exactly once.
type Message struct {
	ID             string    `gorm:"primaryKey;size:26" json:"id"`
	ConversationID string    `gorm:"size:26;index;not null" json:"conversation_id"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`

	// Provider metadata, set on assistant messages only.
	Provider         string `gorm:"type:varchar(64)" json:"provider,omitempty"`
	Model            string `gorm:"type:varchar(128)" json:"model,omitempty"`
	FinishReason     string `gorm:"type:varchar(16)" json:"finish_reason,omitempty"`
	PromptTokens     *int   `json:"prompt_tokens,omitempty"`
	CompletionTokens *int   `json:"completion_tokens,omitempty"`
	TotalTokens      *int   `json:"total_tokens,omitempty"`
	ElapsedMS        *int64 `json:"elapsed_ms,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

package audit

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/logging"
)

// Event is an append-only audit record. The orchestrator and handlers only
// write; the admin surface only reads.
type Event struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ActorUserID *uint64   `gorm:"index" json:"actor_user_id,omitempty"`
	Action      string    `gorm:"type:varchar(64);index;not null" json:"action"`
	TargetType  string    `gorm:"type:varchar(64)" json:"target_type,omitempty"`
	TargetID    string    `gorm:"type:varchar(64)" json:"target_id,omitempty"`
	Detail      string    `gorm:"type:text" json:"detail,omitempty"`
	RequestID   string    `gorm:"type:varchar(36)" json:"request_id,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (Event) TableName() string { return "audit_log" }

// Publisher delivers events to the persistence pipeline. The rabbitmq
// publisher is the production implementation; tests use the direct DB sink.
type Publisher interface {
	PublishEvent(ctx context.Context, e *Event) error
}

// Recorder is the write-side API. When the publisher fails (broker down),
// the event falls back to a synchronous DB insert so audit records are not
// silently lost.
type Recorder struct {
	db  *gorm.DB
	pub Publisher
}

func NewRecorder(db *gorm.DB, pub Publisher) *Recorder {
	return &Recorder{db: db, pub: pub}
}

// Record emits one audit event. Errors are logged, never propagated: audit
// must not fail the operation being audited.
func (r *Recorder) Record(ctx context.Context, actorUserID *uint64, action, targetType, targetID, requestID string, detail map[string]any) {
	log := logging.GetLogger()

	e := &Event{
		ActorUserID: actorUserID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		RequestID:   requestID,
		CreatedAt:   time.Now(),
	}
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = string(b)
		}
	}

	if r.pub != nil {
		if err := r.pub.PublishEvent(ctx, e); err == nil {
			return
		} else {
			log.Warn().Err(err).Str("action", action).Msg("audit publish failed, writing directly")
		}
	}
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		log.Error().Err(err).Str("action", action).Msg("audit write failed")
	}
}

// Insert persists a consumed event; used by the worker.
func Insert(ctx context.Context, db *gorm.DB, e *Event) error {
	return db.WithContext(ctx).Create(e).Error
}

// List returns recent events, newest first, optionally filtered by action.
func List(ctx context.Context, db *gorm.DB, action string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.WithContext(ctx).Order("id DESC").Limit(limit)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	var out []Event
	err := q.Find(&out).Error
	return out, err
}

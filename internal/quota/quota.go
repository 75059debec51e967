package quota

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/metrics"
)

// UserQuota holds optional per-user daily ceilings. A nil limit means
// unlimited. Updates take effect on the next CheckAndReserve, never
// retroactively.
type UserQuota struct {
	UserID         uint64    `gorm:"primaryKey" json:"user_id"`
	MessagesPerDay *int64    `json:"messages_per_day"`
	TokensPerDay   *int64    `json:"tokens_per_day"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (UserQuota) TableName() string { return "user_quotas" }

// UsageCounter is the per-user per-day aggregate. Day rollover is implicit:
// a new date gets a new row.
type UsageCounter struct {
	UserID       uint64    `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Date         string    `gorm:"primaryKey;type:varchar(10)" json:"date"`
	MessagesUsed int64     `gorm:"not null;default:0" json:"messages_used"`
	TokensUsed   int64     `gorm:"not null;default:0" json:"tokens_used"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (UsageCounter) TableName() string { return "usage_counters" }

const dateLayout = "2006-01-02"

// Tracker enforces daily quotas and owns the usage counters.
type Tracker struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{db: db, now: time.Now}
}

func (t *Tracker) today() string {
	return t.now().UTC().Format(dateLayout)
}

func (t *Tracker) GetQuota(ctx context.Context, userID uint64) (*UserQuota, error) {
	var q UserQuota
	err := t.db.WithContext(ctx).First(&q, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// SetQuota upserts the limits for a user. Nil clears a limit.
func (t *Tracker) SetQuota(ctx context.Context, userID uint64, messagesPerDay, tokensPerDay *int64) error {
	q := UserQuota{UserID: userID, MessagesPerDay: messagesPerDay, TokensPerDay: tokensPerDay}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"messages_per_day", "tokens_per_day", "updated_at"}),
	}).Create(&q).Error
}

// UsageFor returns today's counter, zero-valued when absent.
func (t *Tracker) UsageFor(ctx context.Context, userID uint64) (UsageCounter, error) {
	return t.usageOn(ctx, userID, t.today())
}

func (t *Tracker) usageOn(ctx context.Context, userID uint64, date string) (UsageCounter, error) {
	var c UsageCounter
	err := t.db.WithContext(ctx).
		First(&c, "user_id = ? AND date = ?", userID, date).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UsageCounter{UserID: userID, Date: date}, nil
	}
	return c, err
}

// CheckAndReserve rejects a new turn when today's message or token count has
// reached the configured limit. Limits are checked at turn start; the turn
// in flight may overshoot the token limit by at most its own production.
func (t *Tracker) CheckAndReserve(ctx context.Context, userID uint64) error {
	q, err := t.GetQuota(ctx, userID)
	if err != nil {
		return err
	}
	if q == nil || (q.MessagesPerDay == nil && q.TokensPerDay == nil) {
		return nil
	}

	usage, err := t.UsageFor(ctx, userID)
	if err != nil {
		return err
	}

	if q.MessagesPerDay != nil && usage.MessagesUsed >= *q.MessagesPerDay {
		metrics.QuotaBlocks.Inc()
		return apperr.QuotaExceeded("daily message quota exceeded").WithDetail(map[string]any{
			"limit": *q.MessagesPerDay,
			"used":  usage.MessagesUsed,
		})
	}
	if q.TokensPerDay != nil && usage.TokensUsed >= *q.TokensPerDay {
		metrics.QuotaBlocks.Inc()
		return apperr.QuotaExceeded("daily token quota exceeded").WithDetail(map[string]any{
			"limit": *q.TokensPerDay,
			"used":  usage.TokensUsed,
		})
	}
	return nil
}

// Commit atomically adds to today's counters. The increment happens in SQL
// so concurrent completions for the same user never lose updates.
func (t *Tracker) Commit(ctx context.Context, userID uint64, messages, tokens int64) error {
	if messages == 0 && tokens == 0 {
		return nil
	}
	c := UsageCounter{
		UserID:       userID,
		Date:         t.today(),
		MessagesUsed: messages,
		TokensUsed:   tokens,
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"messages_used": gorm.Expr("messages_used + ?", messages),
			"tokens_used":   gorm.Expr("tokens_used + ?", tokens),
			"updated_at":    t.now(),
		}),
	}).Create(&c).Error
}

// ResetUsage zeroes today's counter for a user. The only path that ever
// decrements usage, and it is administrative.
func (t *Tracker) ResetUsage(ctx context.Context, userID uint64) error {
	return t.db.WithContext(ctx).Model(&UsageCounter{}).
		Where("user_id = ? AND date = ?", userID, t.today()).
		Updates(map[string]any{"messages_used": 0, "tokens_used": 0}).Error
}

// ListUsage returns counters between start and end dates inclusive,
// newest first.
func (t *Tracker) ListUsage(ctx context.Context, start, end time.Time, limit int) ([]UsageCounter, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var out []UsageCounter
	err := t.db.WithContext(ctx).
		Where("date >= ? AND date <= ?", start.UTC().Format(dateLayout), end.UTC().Format(dateLayout)).
		Order("date DESC, user_id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

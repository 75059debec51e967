package chat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/provider"
	"github.com/omnichat/omnichat/internal/quota"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:chatsvc%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Conversation{}, &Message{}, &quota.UserQuota{}, &quota.UsageCounter{}, &audit.Event{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeProvider scripts a streaming response: optional failing attempts, a
// sequence of deltas, then either a terminal chunk or a hang until cancel.
type fakeProvider struct {
	deltas       []string
	usage        *provider.Usage
	failAttempts int32 // first N ChatStream calls fail with this error
	failWith     error
	hangAfter    int // emit this many deltas, then wait for ctx cancel (0 = no hang)

	calls atomic.Int32
	last  provider.ChatRequest
}

func (p *fakeProvider) ID() string { return "fake" }

func (p *fakeProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{{ID: "fake-model", Provider: "fake"}}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{OK: true}
}

func (p *fakeProvider) Chat(ctx context.Context, req provider.ChatRequest) (string, *provider.Usage, error) {
	var out string
	for _, d := range p.deltas {
		out += d
	}
	return out, p.usage, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.Chunk, <-chan error) {
	p.last = req
	call := p.calls.Add(1)

	chunks := make(chan provider.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if call <= p.failAttempts {
			errs <- p.failWith
			return
		}
		for i, d := range p.deltas {
			if p.hangAfter > 0 && i == p.hangAfter {
				<-ctx.Done()
				return
			}
			select {
			case chunks <- provider.Chunk{Delta: d, Model: req.Model}:
			case <-ctx.Done():
				return
			}
		}
		if p.hangAfter > 0 && p.hangAfter >= len(p.deltas) {
			<-ctx.Done()
			return
		}
		terminal := provider.Chunk{Model: req.Model, FinishReason: provider.FinishStop, Usage: p.usage}
		select {
		case chunks <- terminal:
		case <-ctx.Done():
		}
	}()
	return chunks, errs
}

func newTestService(t *testing.T, db *gorm.DB, prov provider.Provider) *Service {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(prov)
	return NewService(
		NewRepo(db),
		reg,
		NewStreamRegistry(),
		quota.NewTracker(db),
		audit.NewRecorder(db, nil),
		20,
		2,
	)
}

func mustConversation(t *testing.T, svc *Service, userID uint64) *Conversation {
	t.Helper()
	conv, err := svc.CreateConversation(context.Background(), userID, "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func TestStreamChat_SuccessSequence(t *testing.T) {
	db := openTestDB(t)
	prov := &fakeProvider{
		deltas: []string{"Hel", "lo", "!"},
		usage:  &provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	svc := newTestService(t, db, prov)
	conv := mustConversation(t, svc, 1)

	events, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID:         1,
		ConversationID: conv.ID,
		ProviderID:     "fake",
		Model:          "fake-model",
		Input:          "hi",
	})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}

	got := drain(t, events)
	if len(got) != 5 {
		t.Fatalf("expected 5 events (meta, 3 deltas, final), got %d", len(got))
	}
	if got[0].Type != EventMeta || got[0].Meta.Provider != "fake" {
		t.Fatalf("expected meta first, got %+v", got[0])
	}
	var text string
	for _, ev := range got[1:4] {
		if ev.Type != EventDelta {
			t.Fatalf("expected delta, got %s", ev.Type)
		}
		text += ev.Delta
	}
	if text != "Hello!" {
		t.Fatalf("unexpected delta concatenation: %q", text)
	}
	final := got[4]
	if final.Type != EventFinal || final.Final.FinishReason != provider.FinishStop {
		t.Fatalf("expected final/stop, got %+v", final)
	}

	var msgs []Message
	if err := db.Where("conversation_id = ?", conv.ID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hi" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	a := msgs[1]
	if a.Role != RoleAssistant || a.Content != "Hello!" || a.FinishReason != provider.FinishStop {
		t.Fatalf("unexpected assistant message: %+v", a)
	}
	if a.TotalTokens == nil || *a.TotalTokens != 15 {
		t.Fatalf("expected total tokens 15, got %v", a.TotalTokens)
	}

	usage, err := quota.NewTracker(db).UsageFor(context.Background(), 1)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.MessagesUsed != 1 || usage.TokensUsed != 15 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if svc.Streams().Len() != 0 {
		t.Fatalf("stream not deregistered")
	}
}

func TestStreamChat_MessageRoundTrip(t *testing.T) {
	db := openTestDB(t)
	prov := &fakeProvider{
		deltas: []string{"ok"},
		usage:  &provider.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	}
	svc := newTestService(t, db, prov)
	conv := mustConversation(t, svc, 1)

	events, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID: 1, ConversationID: conv.ID, ProviderID: "fake", Model: "fake-model", Input: "q",
	})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	got := drain(t, events)
	final := got[len(got)-1]
	if final.Type != EventFinal {
		t.Fatalf("expected final, got %s", final.Type)
	}

	var m Message
	if err := db.First(&m, "id = ?", final.Final.MessageID).Error; err != nil {
		t.Fatalf("reload message: %v", err)
	}
	if m.Provider != "fake" || m.Model != "fake-model" {
		t.Fatalf("provider metadata lost: %+v", m)
	}
	if m.PromptTokens == nil || *m.PromptTokens != 3 ||
		m.CompletionTokens == nil || *m.CompletionTokens != 1 ||
		m.TotalTokens == nil || *m.TotalTokens != 4 {
		t.Fatalf("usage fields lost: %+v", m)
	}
	if m.ElapsedMS == nil {
		t.Fatalf("elapsed not recorded")
	}
}

func TestStreamChat_QuotaExceeded(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, &fakeProvider{deltas: []string{"x"}})
	conv := mustConversation(t, svc, 7)

	tracker := quota.NewTracker(db)
	limit := int64(5)
	if err := tracker.SetQuota(context.Background(), 7, &limit, nil); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if err := tracker.Commit(context.Background(), 7, 5, 100); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	_, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID: 7, ConversationID: conv.ID, ProviderID: "fake", Model: "m", Input: "one more",
	})
	if !errors.Is(err, apperr.QuotaExceeded("")) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if svc.Streams().Len() != 0 {
		t.Fatalf("stream registered despite quota rejection")
	}

	var cnt int64
	if err := db.Model(&Message{}).Where("conversation_id = ?", conv.ID).Count(&cnt).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("expected no persisted messages, got %d", cnt)
	}
}

func TestStreamChat_ConversationBusy(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, &fakeProvider{deltas: []string{"x"}})
	conv := mustConversation(t, svc, 1)

	if _, _, err := svc.Streams().Register(context.Background(), conv.ID, 1); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID: 1, ConversationID: conv.ID, ProviderID: "fake", Model: "m", Input: "hello",
	})
	if !errors.Is(err, apperr.StreamConflict()) {
		t.Fatalf("expected conflict, got %v", err)
	}

	var cnt int64
	if err := db.Model(&Message{}).Where("conversation_id = ?", conv.ID).Count(&cnt).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("conflicting request persisted %d messages", cnt)
	}
}

func TestStreamChat_CancelMidStream(t *testing.T) {
	db := openTestDB(t)
	prov := &fakeProvider{deltas: []string{"a", "b", "c"}, hangAfter: 3}
	svc := newTestService(t, db, prov)
	conv := mustConversation(t, svc, 1)

	events, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID: 1, ConversationID: conv.ID, ProviderID: "fake", Model: "m", Input: "go",
	})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}

	var (
		streamID string
		deltas   int
		final    *FinalEvent
	)
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Type {
			case EventMeta:
				streamID = ev.Meta.StreamID
			case EventDelta:
				deltas++
				if deltas == 3 {
					if err := svc.CancelStream(context.Background(), streamID, 1, false); err != nil {
						t.Fatalf("cancel: %v", err)
					}
				}
			case EventFinal:
				final = ev.Final
			case EventError:
				t.Fatalf("unexpected error event: %+v", ev.Err)
			}
		case <-timeout:
			t.Fatalf("timed out, deltas=%d", deltas)
		}
	}

	if deltas != 3 {
		t.Fatalf("expected 3 deltas before cancel, got %d", deltas)
	}
	if final == nil || final.FinishReason != provider.FinishCancelled {
		t.Fatalf("expected final/cancelled, got %+v", final)
	}

	var m Message
	if err := db.First(&m, "conversation_id = ? AND role = ?", conv.ID, RoleAssistant).Error; err != nil {
		t.Fatalf("load assistant message: %v", err)
	}
	if m.Content != "abc" || m.FinishReason != provider.FinishCancelled {
		t.Fatalf("unexpected persisted message: content=%q finish=%q", m.Content, m.FinishReason)
	}

	// 3 runes of partial content estimate to 1 token.
	usage, err := quota.NewTracker(db).UsageFor(context.Background(), 1)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.MessagesUsed != 1 || usage.TokensUsed != 1 {
		t.Fatalf("unexpected partial commit: %+v", usage)
	}
	if svc.Streams().Len() != 0 {
		t.Fatalf("stream not deregistered after cancel")
	}
}

func TestCancelStream_ForeignUserForbidden(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, &fakeProvider{})
	conv := mustConversation(t, svc, 1)

	streamID, _, err := svc.Streams().Register(context.Background(), conv.ID, 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	err = svc.CancelStream(context.Background(), streamID, 99, false)
	if !errors.Is(err, apperr.Forbidden("")) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// admin force path succeeds
	if err := svc.CancelStream(context.Background(), streamID, 99, true); err != nil {
		t.Fatalf("force cancel: %v", err)
	}
}

func TestStreamChat_RetriesTransientProviderFailure(t *testing.T) {
	db := openTestDB(t)
	prov := &fakeProvider{
		deltas:       []string{"ok"},
		failAttempts: 1,
		failWith:     apperr.ProviderUnavailable("connection refused"),
	}
	svc := newTestService(t, db, prov)
	conv := mustConversation(t, svc, 1)

	events, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID: 1, ConversationID: conv.ID, ProviderID: "fake", Model: "m", Input: "hi",
	})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}

	got := drain(t, events)
	last := got[len(got)-1]
	if last.Type != EventFinal {
		t.Fatalf("expected final after retry, got %s", last.Type)
	}
	if prov.calls.Load() != 2 {
		t.Fatalf("expected 2 provider attempts, got %d", prov.calls.Load())
	}
}

func TestStreamChat_TerminalProviderFailure(t *testing.T) {
	db := openTestDB(t)
	prov := &fakeProvider{
		failAttempts: 10,
		failWith:     apperr.Provider("model exploded"),
	}
	svc := newTestService(t, db, prov)
	conv := mustConversation(t, svc, 1)

	events, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID: 1, ConversationID: conv.ID, ProviderID: "fake", Model: "m", Input: "hi",
	})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}

	got := drain(t, events)
	last := got[len(got)-1]
	if last.Type != EventError {
		t.Fatalf("expected error event, got %s", last.Type)
	}
	if last.Err.Code != apperr.CodeProviderError {
		t.Fatalf("unexpected code: %s", last.Err.Code)
	}
	if prov.calls.Load() != 1 {
		t.Fatalf("terminal error should not be retried, got %d attempts", prov.calls.Load())
	}

	// the empty assistant stub must be removed; the user message stays
	var msgs []Message
	if err := db.Where("conversation_id = ?", conv.ID).Find(&msgs).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}

	usage, err := quota.NewTracker(db).UsageFor(context.Background(), 1)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.MessagesUsed != 0 || usage.TokensUsed != 0 {
		t.Fatalf("failed stream should not commit quota: %+v", usage)
	}
}

func TestRetryLastTurn_DoesNotDuplicateUserMessage(t *testing.T) {
	db := openTestDB(t)
	prov := &fakeProvider{deltas: []string{"second answer"}}
	svc := newTestService(t, db, prov)
	conv := mustConversation(t, svc, 1)

	repo := NewRepo(db)
	userMsgID, _ := common.NewULID()
	if err := repo.InsertMessage(context.Background(), &Message{
		ID: userMsgID, ConversationID: conv.ID, Role: RoleUser, Content: "question",
	}); err != nil {
		t.Fatalf("seed user message: %v", err)
	}
	asstID, _ := common.NewULID()
	if err := repo.InsertMessage(context.Background(), &Message{
		ID: asstID, ConversationID: conv.ID, Role: RoleAssistant,
		Content: "first answer", Provider: "fake", Model: "fake-model",
		FinishReason: provider.FinishStop,
	}); err != nil {
		t.Fatalf("seed assistant message: %v", err)
	}

	events, err := svc.RetryLastTurn(context.Background(), 1, false, conv.ID, "req-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	got := drain(t, events)
	if got[len(got)-1].Type != EventFinal {
		t.Fatalf("expected final, got %s", got[len(got)-1].Type)
	}

	var userCnt int64
	if err := db.Model(&Message{}).
		Where("conversation_id = ? AND role = ?", conv.ID, RoleUser).
		Count(&userCnt).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if userCnt != 1 {
		t.Fatalf("retry duplicated the user message: %d", userCnt)
	}
	if prov.last.Model != "fake-model" {
		t.Fatalf("retry should reuse previous model, got %q", prov.last.Model)
	}
}

func TestStreamChat_DisabledUserRejected(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, &fakeProvider{deltas: []string{"x"}})
	conv := mustConversation(t, svc, 1)

	_, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID: 1, UserDisabled: true, ConversationID: conv.ID,
		ProviderID: "fake", Model: "m", Input: "hi",
	})
	if !errors.Is(err, apperr.AccountDisabled()) {
		t.Fatalf("expected account disabled, got %v", err)
	}
}

func TestStreamChat_OtherUsersConversationHidden(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, &fakeProvider{deltas: []string{"x"}})
	conv := mustConversation(t, svc, 1)

	_, err := svc.StreamChat(context.Background(), StreamRequest{
		UserID: 2, ConversationID: conv.ID, ProviderID: "fake", Model: "m", Input: "hi",
	})
	if !errors.Is(err, apperr.ConversationNotFound()) {
		t.Fatalf("expected not found, got %v", err)
	}
}

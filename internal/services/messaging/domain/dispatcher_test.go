package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gradhall/gradhall/internal/services/messaging/storage"
)

type fakeStore struct {
	mu          sync.Mutex
	members     map[string][]string
	messages    map[string]storage.MessageRecord
	reactions   map[string]storage.ReactionRecord
	attachments map[string]storage.AttachmentRecord

	putMessageErrs  []error
	putReactionErrs []error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:     make(map[string][]string),
		messages:    make(map[string]storage.MessageRecord),
		reactions:   make(map[string]storage.ReactionRecord),
		attachments: make(map[string]storage.AttachmentRecord),
	}
}

func (f *fakeStore) PutChannel(_ context.Context, record storage.ChannelRecord, memberUserIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[record.ID] = append([]string(nil), memberUserIDs...)
	return nil
}

func (f *fakeStore) GetChannel(_ context.Context, channelID string) (storage.ChannelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[channelID]; !ok {
		return storage.ChannelRecord{}, storage.ErrNotFound
	}
	return storage.ChannelRecord{ID: channelID, Kind: storage.ChannelKindGroup}, nil
}

func (f *fakeStore) ListChannelMembers(_ context.Context, channelID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[channelID]...), nil
}

func (f *fakeStore) IsChannelMember(_ context.Context, channelID string, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, member := range f.members[channelID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) PutMessage(_ context.Context, record storage.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.putMessageErrs) > 0 {
		err := f.putMessageErrs[0]
		f.putMessageErrs = f.putMessageErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.messages[record.ID]; ok {
		return storage.ErrConflict
	}
	f.messages[record.ID] = record
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, messageID string) (storage.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.messages[messageID]
	if !ok {
		return storage.MessageRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) ListMessagesBefore(_ context.Context, channelID string, before time.Time, limit int) ([]storage.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []storage.MessageRecord
	for _, record := range f.messages {
		if record.ChannelID == channelID && record.CreatedAt.Before(before) {
			records = append(records, record)
		}
	}
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			if records[j].CreatedAt.Before(records[i].CreatedAt) {
				records[i], records[j] = records[j], records[i]
			}
		}
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (f *fakeStore) UpsertReaction(_ context.Context, record storage.ReactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.putReactionErrs) > 0 {
		err := f.putReactionErrs[0]
		f.putReactionErrs = f.putReactionErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.messages[record.MessageID]; !ok {
		return storage.ErrNotFound
	}
	f.reactions[record.MessageID+"/"+record.UserID] = record
	return nil
}

func (f *fakeStore) PutAttachment(_ context.Context, record storage.AttachmentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[record.ID] = record
	return nil
}

func (f *fakeStore) GetAttachmentsByIDs(_ context.Context, attachmentIDs []string) ([]storage.AttachmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []storage.AttachmentRecord
	for _, attachmentID := range attachmentIDs {
		if record, ok := f.attachments[attachmentID]; ok {
			records = append(records, record)
		}
	}
	return records, nil
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	live      map[string][]string
	messages  []Message
	reactions []Reaction
	excluded  []string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{live: make(map[string][]string)}
}

func (f *fakeBroadcaster) BroadcastMessage(channelID string, excludeUserID string, message Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	f.excluded = append(f.excluded, excludeUserID)
	return len(f.live[channelID])
}

func (f *fakeBroadcaster) BroadcastReaction(channelID string, excludeUserID string, reaction Reaction) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reaction)
	f.excluded = append(f.excluded, excludeUserID)
	return len(f.live[channelID])
}

func (f *fakeBroadcaster) LiveUserIDs(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.live[channelID]...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes map[string][]OfflineNote
	errs  map[string]error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notes: make(map[string][]OfflineNote), errs: make(map[string]error)}
}

func (f *fakeNotifier) NotifyOffline(_ context.Context, recipientUserID string, note OfflineNote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[recipientUserID]; err != nil {
		return err
	}
	f.notes[recipientUserID] = append(f.notes[recipientUserID], note)
	return nil
}

type dispatcherFixture struct {
	store       *fakeStore
	broadcaster *fakeBroadcaster
	notifier    *fakeNotifier
	dispatcher  *Dispatcher
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	store := newFakeStore()
	broadcaster := newFakeBroadcaster()
	notifier := newFakeNotifier()
	dispatcher, err := NewDispatcher(store, store, store, broadcaster, notifier, WithRetryDelay(0))
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}
	store.members["channel-1"] = []string{"user-a", "user-b", "user-c"}
	return &dispatcherFixture{
		store:       store,
		broadcaster: broadcaster,
		notifier:    notifier,
		dispatcher:  dispatcher,
	}
}

var (
	alice = Identity{ID: "user-a", DisplayName: "Alice"}
	mallo = Identity{ID: "user-z", DisplayName: "Mallory"}
)

func TestSubmitPersistsThenBroadcasts(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.broadcaster.live["channel-1"] = []string{"user-a", "user-b"}

	message, err := fx.dispatcher.Submit(context.Background(), alice, SubmitInput{
		ChannelID: "channel-1",
		Body:      "  hello everyone  ",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if message.ID == "" {
		t.Fatal("expected a generated message id")
	}
	if message.Body != "hello everyone" {
		t.Fatalf("expected trimmed body, got %q", message.Body)
	}

	if _, ok := fx.store.messages[message.ID]; !ok {
		t.Fatal("expected message to be persisted")
	}
	if len(fx.broadcaster.messages) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(fx.broadcaster.messages))
	}
	if fx.broadcaster.excluded[0] != "user-a" {
		t.Fatalf("expected sender excluded from broadcast, got %q", fx.broadcaster.excluded[0])
	}
}

func TestSubmitQueuesNotificationsForOfflineMembers(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.broadcaster.live["channel-1"] = []string{"user-a", "user-b"}

	message, err := fx.dispatcher.Submit(context.Background(), alice, SubmitInput{
		ChannelID: "channel-1",
		Body:      "reunion is on saturday",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if len(fx.notifier.notes["user-b"]) != 0 {
		t.Fatal("expected no notification for live member")
	}
	if len(fx.notifier.notes["user-a"]) != 0 {
		t.Fatal("expected no notification for sender")
	}
	notes := fx.notifier.notes["user-c"]
	if len(notes) != 1 {
		t.Fatalf("expected one notification for offline member, got %d", len(notes))
	}
	if notes[0].MessageID != message.ID {
		t.Fatalf("expected note for message %s, got %s", message.ID, notes[0].MessageID)
	}
	if notes[0].SenderName != "Alice" {
		t.Fatalf("unexpected sender name %q", notes[0].SenderName)
	}
}

func TestSubmitNotifierFailureDoesNotFailSend(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.notifier.errs["user-b"] = errors.New("inbox unavailable")

	if _, err := fx.dispatcher.Submit(context.Background(), alice, SubmitInput{
		ChannelID: "channel-1",
		Body:      "hello",
	}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(fx.notifier.notes["user-c"]) != 1 {
		t.Fatal("expected remaining offline member to still be notified")
	}
}

func TestSubmitRejectsNonMember(t *testing.T) {
	fx := newDispatcherFixture(t)

	_, err := fx.dispatcher.Submit(context.Background(), mallo, SubmitInput{
		ChannelID: "channel-1",
		Body:      "let me in",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(fx.store.messages) != 0 {
		t.Fatal("expected nothing persisted for forbidden send")
	}
	if len(fx.broadcaster.messages) != 0 {
		t.Fatal("expected nothing broadcast for forbidden send")
	}
}

func TestSubmitValidation(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.store.attachments["attachment-mine"] = storage.AttachmentRecord{ID: "attachment-mine", OwnerUserID: "user-a"}
	fx.store.attachments["attachment-theirs"] = storage.AttachmentRecord{ID: "attachment-theirs", OwnerUserID: "user-b"}

	tests := []struct {
		name    string
		input   SubmitInput
		wantErr error
	}{
		{
			name:    "missing channel",
			input:   SubmitInput{Body: "hello"},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "empty body without attachments",
			input:   SubmitInput{ChannelID: "channel-1", Body: "   "},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "body over limit",
			input:   SubmitInput{ChannelID: "channel-1", Body: strings.Repeat("x", maxBodyRunes+1)},
			wantErr: ErrInvalidInput,
		},
		{
			name: "too many attachments",
			input: SubmitInput{ChannelID: "channel-1", Body: "hi", AttachmentIDs: []string{
				"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9",
			}},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "unknown attachment",
			input:   SubmitInput{ChannelID: "channel-1", Body: "hi", AttachmentIDs: []string{"attachment-ghost"}},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "duplicate attachment",
			input:   SubmitInput{ChannelID: "channel-1", Body: "hi", AttachmentIDs: []string{"attachment-mine", "attachment-mine"}},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "attachment owned by someone else",
			input:   SubmitInput{ChannelID: "channel-1", Body: "hi", AttachmentIDs: []string{"attachment-theirs"}},
			wantErr: ErrForbidden,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.dispatcher.Submit(context.Background(), alice, tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
	if len(fx.store.messages) != 0 {
		t.Fatal("expected no persisted messages from invalid submits")
	}
}

func TestSubmitAttachmentOnlyMessage(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.store.attachments["attachment-mine"] = storage.AttachmentRecord{ID: "attachment-mine", OwnerUserID: "user-a"}

	message, err := fx.dispatcher.Submit(context.Background(), alice, SubmitInput{
		ChannelID:     "channel-1",
		AttachmentIDs: []string{"attachment-mine"},
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(message.AttachmentIDs) != 1 {
		t.Fatalf("expected attachment to survive, got %v", message.AttachmentIDs)
	}
}

func TestSubmitRetriesTransientPersistFailure(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.store.putMessageErrs = []error{
		fmt.Errorf("database is locked"),
		fmt.Errorf("database is locked"),
	}

	message, err := fx.dispatcher.Submit(context.Background(), alice, SubmitInput{
		ChannelID: "channel-1",
		Body:      "eventually lands",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if _, ok := fx.store.messages[message.ID]; !ok {
		t.Fatal("expected message persisted on third attempt")
	}
}

func TestSubmitGivesUpAfterRetries(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.store.putMessageErrs = []error{
		fmt.Errorf("database is locked"),
		fmt.Errorf("database is locked"),
		fmt.Errorf("database is locked"),
	}

	_, err := fx.dispatcher.Submit(context.Background(), alice, SubmitInput{
		ChannelID: "channel-1",
		Body:      "never lands",
	})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(fx.broadcaster.messages) != 0 {
		t.Fatal("expected no broadcast after persistence failure")
	}
	if len(fx.notifier.notes) != 0 {
		t.Fatal("expected no notifications after persistence failure")
	}
}

func TestReactReplacesPreviousReaction(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.store.messages["message-1"] = storage.MessageRecord{
		ID:           "message-1",
		ChannelID:    "channel-1",
		SenderUserID: "user-b",
		Body:         "hello",
	}

	if _, err := fx.dispatcher.React(context.Background(), alice, ReactInput{MessageID: "message-1", Kind: "thumbs_up"}); err != nil {
		t.Fatalf("React returned error: %v", err)
	}
	reaction, err := fx.dispatcher.React(context.Background(), alice, ReactInput{MessageID: "message-1", Kind: "heart"})
	if err != nil {
		t.Fatalf("React returned error: %v", err)
	}
	if reaction.Kind != "heart" {
		t.Fatalf("unexpected reaction kind %q", reaction.Kind)
	}

	stored := fx.store.reactions["message-1/user-a"]
	if stored.Kind != "heart" {
		t.Fatalf("expected stored reaction replaced, got %q", stored.Kind)
	}
	if len(fx.broadcaster.reactions) != 2 {
		t.Fatalf("expected two reaction broadcasts, got %d", len(fx.broadcaster.reactions))
	}
}

func TestReactSameKindIsNoOp(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.store.messages["message-1"] = storage.MessageRecord{
		ID:        "message-1",
		ChannelID: "channel-1",
		Reactions: []storage.ReactionRecord{
			{MessageID: "message-1", UserID: "user-a", Kind: "thumbs_up"},
		},
	}

	reaction, err := fx.dispatcher.React(context.Background(), alice, ReactInput{MessageID: "message-1", Kind: "thumbs_up"})
	if err != nil {
		t.Fatalf("React returned error: %v", err)
	}
	if reaction.Kind != "thumbs_up" {
		t.Fatalf("unexpected reaction kind %q", reaction.Kind)
	}
	if len(fx.broadcaster.reactions) != 0 {
		t.Fatal("expected no broadcast for repeated reaction")
	}
	if len(fx.store.reactions) != 0 {
		t.Fatal("expected no write for repeated reaction")
	}
}

func TestReactUnknownMessage(t *testing.T) {
	fx := newDispatcherFixture(t)

	_, err := fx.dispatcher.React(context.Background(), alice, ReactInput{MessageID: "missing", Kind: "thumbs_up"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReactRequiresMembership(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.store.messages["message-1"] = storage.MessageRecord{
		ID:        "message-1",
		ChannelID: "channel-1",
	}

	_, err := fx.dispatcher.React(context.Background(), mallo, ReactInput{MessageID: "message-1", Kind: "thumbs_up"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestHistoryRequiresMembership(t *testing.T) {
	fx := newDispatcherFixture(t)

	_, err := fx.dispatcher.History(context.Background(), mallo, "channel-1", time.Time{}, 10)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestHistoryReplaysOldestFirst(t *testing.T) {
	fx := newDispatcherFixture(t)
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("message-%d", i+1)
		fx.store.messages[id] = storage.MessageRecord{
			ID:        id,
			ChannelID: "channel-1",
			Body:      id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}

	messages, err := fx.dispatcher.History(context.Background(), alice, "channel-1", base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected three messages, got %d", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].SentAt.Before(messages[i-1].SentAt) {
			t.Fatal("expected history ordered oldest first")
		}
	}
}

func TestMessagePreviewTruncation(t *testing.T) {
	long := Message{Body: strings.Repeat("a", 500)}
	if got := len([]rune(long.Preview())); got != 120 {
		t.Fatalf("expected 120 rune preview, got %d", got)
	}
	short := Message{Body: "hi"}
	if short.Preview() != "hi" {
		t.Fatalf("unexpected preview %q", short.Preview())
	}
}

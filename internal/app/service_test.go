package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"punchtime/api/internal/auth"
	"punchtime/api/internal/config"
	"punchtime/api/internal/habit"
	"punchtime/api/internal/localstore"
	"punchtime/api/internal/sharelink"
	"punchtime/api/internal/store"
)

var testIdentity = auth.Identity{
	ID:          "user_1",
	DisplayName: "Robin",
	Email:       "robin@example.com",
}

// fakeGateway is an in-memory remote backend. Individual methods can be
// overridden with error injections per test.
type fakeGateway struct {
	mu       sync.Mutex
	cards    []store.CardDetail
	nextCard int
	nextID   int64
	profile  *store.Profile // FindProfileByIdentifier result
	members  map[string][]string
	follows  map[string][]string
	comments []store.Comment

	ensureProfileCalls int
	insertCollabCalls  int

	ensureProfileErr error
	insertCardErr    error
	insertPunchErr   error
	updateCardErr    error
	deleteCardErr    error
	latestPunchErr   error
	deletePunchErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		members: make(map[string][]string),
		follows: make(map[string][]string),
	}
}

func (f *fakeGateway) EnsureProfile(ctx context.Context, profile store.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureProfileCalls++
	return f.ensureProfileErr
}

func (f *fakeGateway) FindProfileByIdentifier(ctx context.Context, identifier string) (*store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, nil
}

func (f *fakeGateway) InsertCard(ctx context.Context, card store.Card) (store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertCardErr != nil {
		err := f.insertCardErr
		f.insertCardErr = nil
		return store.Card{}, err
	}
	f.nextCard++
	card.ID = fmt.Sprintf("card_%d", f.nextCard)
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}
	if card.PunchCount <= 0 {
		card.PunchCount = habit.DefaultPunchCount
	}
	if card.Mode == "" {
		card.Mode = habit.ModePersonal
	}
	f.cards = append(f.cards, store.CardDetail{Card: card})
	return card, nil
}

func (f *fakeGateway) UpdateCard(ctx context.Context, cardID string, patch store.CardPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateCardErr != nil {
		return f.updateCardErr
	}
	for i := range f.cards {
		if f.cards[i].ID == cardID {
			if patch.Title != nil {
				f.cards[i].Title = *patch.Title
			}
			if patch.Archived != nil {
				f.cards[i].Archived = *patch.Archived
			}
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeGateway) DeleteCard(ctx context.Context, cardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteCardErr != nil {
		return f.deleteCardErr
	}
	for i := range f.cards {
		if f.cards[i].ID == cardID {
			f.cards = append(f.cards[:i], f.cards[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeGateway) ListCards(ctx context.Context) ([]store.CardDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.CardDetail, len(f.cards))
	copy(out, f.cards)
	return out, nil
}

func (f *fakeGateway) GetCard(ctx context.Context, cardID string) (store.CardDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, card := range f.cards {
		if card.ID == cardID {
			return card, nil
		}
	}
	return store.CardDetail{}, sql.ErrNoRows
}

func (f *fakeGateway) InsertPunch(ctx context.Context, cardID, userID string, punchedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertPunchErr != nil {
		return f.insertPunchErr
	}
	for i := range f.cards {
		if f.cards[i].ID == cardID {
			f.nextID++
			f.cards[i].Punches = append(f.cards[i].Punches, store.Punch{
				ID:        f.nextID,
				CardID:    cardID,
				UserID:    userID,
				PunchedAt: punchedAt,
			})
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeGateway) LatestPunch(ctx context.Context, cardID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestPunchErr != nil {
		return 0, f.latestPunchErr
	}
	var best *store.Punch
	for i := range f.cards {
		if f.cards[i].ID != cardID {
			continue
		}
		for j := range f.cards[i].Punches {
			p := &f.cards[i].Punches[j]
			if best == nil || p.PunchedAt.After(best.PunchedAt) ||
				(p.PunchedAt.Equal(best.PunchedAt) && p.ID > best.ID) {
				best = p
			}
		}
	}
	if best == nil {
		return 0, sql.ErrNoRows
	}
	return best.ID, nil
}

func (f *fakeGateway) DeletePunch(ctx context.Context, punchID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deletePunchErr != nil {
		return f.deletePunchErr
	}
	for i := range f.cards {
		for j := range f.cards[i].Punches {
			if f.cards[i].Punches[j].ID == punchID {
				f.cards[i].Punches = append(f.cards[i].Punches[:j], f.cards[i].Punches[j+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (f *fakeGateway) HasCollaborator(ctx context.Context, cardID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[cardID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGateway) InsertCollaborator(ctx context.Context, cardID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCollabCalls++
	for _, id := range f.members[cardID] {
		if id == userID {
			return store.ErrDuplicate
		}
	}
	f.members[cardID] = append(f.members[cardID], userID)
	return nil
}

func (f *fakeGateway) InsertFollower(ctx context.Context, cardID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.follows[cardID] {
		if id == userID {
			return store.ErrDuplicate
		}
	}
	f.follows[cardID] = append(f.follows[cardID], userID)
	return nil
}

func (f *fakeGateway) InsertComment(ctx context.Context, cardID, userID, text, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, store.Comment{CardID: cardID, UserID: userID, Text: text, Emoji: emoji})
	return nil
}

func (f *fakeGateway) Ping(ctx context.Context) error {
	return nil
}

func newTestService(t *testing.T, fake *fakeGateway) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "habits.json")
	return newTestServiceAt(t, fake, path)
}

func newTestServiceAt(t *testing.T, fake *fakeGateway, path string) *Service {
	t.Helper()
	s := New(config.Config{BaseURL: "https://punchtime.test"}, Deps{Local: localstore.New(path)})
	if fake != nil {
		s.remote = fake
	}
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func signIn(t *testing.T, s *Service) {
	t.Helper()
	if err := s.SignIn(context.Background(), testIdentity); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
}

func mustCreate(t *testing.T, s *Service, input CreateHabitInput) habit.Record {
	t.Helper()
	record, err := s.CreateHabit(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateHabit failed: %v", err)
	}
	return record
}

func drainCelebrations(s *Service) []Celebration {
	var out []Celebration
	for {
		select {
		case c := <-s.Celebrations():
			out = append(out, c)
		default:
			return out
		}
	}
}

func drainAlerts(s *Service) []Alert {
	var out []Alert
	for {
		select {
		case a := <-s.Alerts():
			out = append(out, a)
		default:
			return out
		}
	}
}

func TestGuestMutationsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "habits.json")

	s := newTestServiceAt(t, nil, path)
	record := mustCreate(t, s, CreateHabitInput{Title: "Morning run", Reward: "New shoes"})
	if err := s.PunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("PunchHabit failed: %v", err)
	}
	if err := s.PunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("PunchHabit failed: %v", err)
	}

	// A fresh core over the same file sees the same collection.
	restarted := newTestServiceAt(t, nil, path)
	records := restarted.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record after restart, got %d", len(records))
	}
	if records[0].ID != record.ID || records[0].Title != "Morning run" {
		t.Errorf("record mismatch after restart: %+v", records[0])
	}
	if len(records[0].Punches) != 2 {
		t.Errorf("expected 2 punches after restart, got %d", len(records[0].Punches))
	}
}

func TestGuestPunchStopsAtTarget(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	record := mustCreate(t, s, CreateHabitInput{Title: "Stretch", PunchCount: 10, Sound: "chime", Reward: "Massage"})
	for i := 0; i < 12; i++ {
		if err := s.PunchHabit(ctx, record.ID); err != nil {
			t.Fatalf("punch %d failed: %v", i, err)
		}
	}

	records := s.Records()
	if got := len(records[0].Punches); got != 10 {
		t.Errorf("expected punches capped at 10, got %d", got)
	}

	celebrations := drainCelebrations(s)
	if len(celebrations) != 1 {
		t.Fatalf("expected exactly 1 celebration, got %d", len(celebrations))
	}
	if celebrations[0].SoundID != "chime" || celebrations[0].Reward != "Massage" {
		t.Errorf("celebration carries wrong payload: %+v", celebrations[0])
	}
}

func TestGuestUnpunchRemovesLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	record := mustCreate(t, s, CreateHabitInput{Title: "Read"})
	if err := s.PunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("PunchHabit failed: %v", err)
	}
	if err := s.UnpunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("UnpunchHabit failed: %v", err)
	}
	if err := s.UnpunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("UnpunchHabit on empty card should be a no-op, got %v", err)
	}
	if got := len(s.Records()[0].Punches); got != 0 {
		t.Errorf("expected 0 punches, got %d", got)
	}
}

func TestSignInMigratesGuestRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habits.json")
	ctx := context.Background()

	s := newTestServiceAt(t, nil, path)
	record := mustCreate(t, s, CreateHabitInput{Title: "Meditate", PunchCount: 30})
	if err := s.PunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("PunchHabit failed: %v", err)
	}
	s.Close()

	fake := newFakeGateway()
	migrated := newTestServiceAt(t, fake, path)
	signIn(t, migrated)

	if fake.ensureProfileCalls != 1 {
		t.Errorf("expected 1 EnsureProfile call, got %d", fake.ensureProfileCalls)
	}
	if len(fake.cards) != 1 {
		t.Fatalf("expected 1 migrated card, got %d", len(fake.cards))
	}
	card := fake.cards[0]
	if card.Title != "Meditate" || card.PunchCount != 30 || card.CreatorID != testIdentity.ID {
		t.Errorf("migrated card mismatch: %+v", card.Card)
	}
	if len(card.Punches) != 1 {
		t.Fatalf("expected migrated punch, got %d", len(card.Punches))
	}

	// The local store is cleared so the migration cannot run twice.
	if got := localstore.New(path).Load(); len(got) != 0 {
		t.Errorf("local store should be empty after migration, got %d records", len(got))
	}

	// The in-memory collection now reflects the backend rows.
	records := migrated.Records()
	if len(records) != 1 || records[0].ID != card.ID {
		t.Errorf("collection should hold the backend card, got %+v", records)
	}
}

func TestMigrationSkipsFailedRecordAndStillClears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habits.json")

	s := newTestServiceAt(t, nil, path)
	mustCreate(t, s, CreateHabitInput{Title: "Doomed"})
	mustCreate(t, s, CreateHabitInput{Title: "Survivor"})
	s.Close()

	fake := newFakeGateway()
	fake.insertCardErr = fmt.Errorf("backend rejected insert")

	migrated := newTestServiceAt(t, fake, path)
	signIn(t, migrated)

	if len(fake.cards) != 1 || fake.cards[0].Title != "Survivor" {
		t.Errorf("expected only the second record to migrate, got %+v", fake.cards)
	}
	if got := localstore.New(path).Load(); len(got) != 0 {
		t.Errorf("local store should be cleared even when a record fails, got %d records", len(got))
	}
}

func TestDeferredJoinConsumedExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habits.json")
	local := localstore.New(path)
	if err := local.SavePendingJoin("card_9"); err != nil {
		t.Fatalf("SavePendingJoin failed: %v", err)
	}

	fake := newFakeGateway()
	fake.cards = append(fake.cards, store.CardDetail{Card: store.Card{ID: "card_9", Title: "Shared swim"}})

	s := newTestServiceAt(t, fake, path)
	signIn(t, s)

	if got := fake.members["card_9"]; len(got) != 1 || got[0] != testIdentity.ID {
		t.Fatalf("expected caller joined to card_9, got %v", got)
	}
	if local.PendingJoin() != "" {
		t.Error("join token should be consumed")
	}

	// A second sign-in must not replay the join.
	s.SignOut()
	calls := fake.insertCollabCalls
	signIn(t, s)
	if fake.insertCollabCalls != calls {
		t.Errorf("join replayed on second sign-in: %d -> %d calls", calls, fake.insertCollabCalls)
	}
}

func TestAuthenticatedPunchIsOptimistic(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Run"})
	if err := s.PunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("PunchHabit failed: %v", err)
	}

	// Visible immediately, before the remote write settles.
	if got := len(s.Records()[0].Punches); got != 1 {
		t.Errorf("expected optimistic punch to be visible, got %d punches", got)
	}

	s.Wait()
	if got := len(fake.cards[0].Punches); got != 1 {
		t.Errorf("expected punch row in backend, got %d", got)
	}
}

func TestPunchRollsBackOnRemoteFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Run", PunchCount: 10, Sound: "tada"})
	for i := 0; i < 9; i++ {
		if err := s.PunchHabit(ctx, record.ID); err != nil {
			t.Fatalf("punch %d failed: %v", i, err)
		}
	}
	s.Wait()
	drainCelebrations(s)

	// The punch that would complete the card fails remotely.
	fake.insertPunchErr = fmt.Errorf("write refused")
	if err := s.PunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("PunchHabit failed: %v", err)
	}
	s.Wait()

	if got := len(s.Records()[0].Punches); got != 9 {
		t.Errorf("expected rollback to 9 punches, got %d", got)
	}
	if celebrations := drainCelebrations(s); len(celebrations) != 0 {
		t.Errorf("no celebration should fire for a failed punch, got %d", len(celebrations))
	}
	alerts := drainAlerts(s)
	if len(alerts) != 1 || alerts[0].Intent != "punch" || alerts[0].CardID != record.ID {
		t.Errorf("expected a punch alert, got %+v", alerts)
	}
}

func TestAuthenticatedPunchCelebratesAfterRemoteSuccess(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Run", PunchCount: 10, Sound: "tada", Reward: "Pizza"})
	for i := 0; i < 10; i++ {
		if err := s.PunchHabit(ctx, record.ID); err != nil {
			t.Fatalf("punch %d failed: %v", i, err)
		}
		s.Wait()
	}

	celebrations := drainCelebrations(s)
	if len(celebrations) != 1 {
		t.Fatalf("expected exactly 1 celebration, got %d", len(celebrations))
	}
	if celebrations[0].Reward != "Pizza" {
		t.Errorf("celebration reward mismatch: %+v", celebrations[0])
	}
}

func TestUnpunchDeletesLatestRemoteRow(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Run"})
	for i := 0; i < 3; i++ {
		if err := s.PunchHabit(ctx, record.ID); err != nil {
			t.Fatalf("punch failed: %v", err)
		}
		s.Wait()
	}

	if err := s.UnpunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("UnpunchHabit failed: %v", err)
	}
	s.Wait()

	if got := len(fake.cards[0].Punches); got != 2 {
		t.Fatalf("expected 2 backend punches, got %d", got)
	}
	// The newest row is the one that went away.
	for _, p := range fake.cards[0].Punches {
		if p.ID == 3 {
			t.Error("latest punch row should have been deleted")
		}
	}
}

func TestUnpunchRollsBackOnRemoteFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Run"})
	if err := s.PunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("punch failed: %v", err)
	}
	s.Wait()

	fake.deletePunchErr = fmt.Errorf("delete refused")
	if err := s.UnpunchHabit(ctx, record.ID); err != nil {
		t.Fatalf("UnpunchHabit failed: %v", err)
	}
	s.Wait()

	if got := len(s.Records()[0].Punches); got != 1 {
		t.Errorf("expected rollback to 1 punch, got %d", got)
	}
	alerts := drainAlerts(s)
	if len(alerts) != 1 || alerts[0].Intent != "unpunch" {
		t.Errorf("expected an unpunch alert, got %+v", alerts)
	}
}

func TestUpdateHabitRollsBackOnRemoteFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Old title"})
	fake.updateCardErr = fmt.Errorf("update refused")

	title := "New title"
	if err := s.UpdateHabit(ctx, record.ID, UpdateHabitInput{Title: &title}); err != nil {
		t.Fatalf("UpdateHabit failed: %v", err)
	}
	s.Wait()

	if got := s.Records()[0].Title; got != "Old title" {
		t.Errorf("expected title rolled back, got %q", got)
	}
}

func TestShareHabitResults(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Swim", Mode: habit.ModeCollab})

	// Unknown identifier: a distinguished result with an invite link.
	result, err := s.ShareHabit(ctx, record.ID, "sam@example.com")
	if err != nil {
		t.Fatalf("ShareHabit failed: %v", err)
	}
	if !result.NotFound || result.OK {
		t.Errorf("expected notFound result, got %+v", result)
	}
	if !strings.Contains(result.InviteLink, record.ID) || !strings.Contains(result.InviteLink, "sam%40example.com") {
		t.Errorf("invite link misses card or email: %q", result.InviteLink)
	}

	// Known identifier: collaborator row inserted.
	fake.profile = &store.Profile{ID: "user_2", DisplayName: "Sam"}
	result, err = s.ShareHabit(ctx, record.ID, "Sam")
	if err != nil {
		t.Fatalf("ShareHabit failed: %v", err)
	}
	if !result.OK || result.NotFound {
		t.Errorf("expected success, got %+v", result)
	}
	if got := fake.members[record.ID]; len(got) != 1 || got[0] != "user_2" {
		t.Errorf("expected user_2 as collaborator, got %v", got)
	}

	// Sharing again is a distinguished message, not an error.
	result, err = s.ShareHabit(ctx, record.ID, "Sam")
	if err != nil {
		t.Fatalf("ShareHabit failed: %v", err)
	}
	if result.Message != "already a collaborator" {
		t.Errorf("expected duplicate message, got %+v", result)
	}
}

func TestJoinAndFollowAreIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	fake.cards = append(fake.cards, store.CardDetail{Card: store.Card{ID: "card_9", Title: "Shared"}})
	s := newTestService(t, fake)
	signIn(t, s)

	if err := s.JoinCollab(ctx, "card_9"); err != nil {
		t.Fatalf("JoinCollab failed: %v", err)
	}
	if err := s.JoinCollab(ctx, "card_9"); err != nil {
		t.Fatalf("second JoinCollab should succeed: %v", err)
	}
	if got := fake.members["card_9"]; len(got) != 1 {
		t.Errorf("expected a single membership row, got %v", got)
	}

	if err := s.FollowCard(ctx, "card_9"); err != nil {
		t.Fatalf("FollowCard failed: %v", err)
	}
	if err := s.FollowCard(ctx, "card_9"); err != nil {
		t.Fatalf("second FollowCard should succeed: %v", err)
	}
	if got := fake.follows["card_9"]; len(got) != 1 {
		t.Errorf("expected a single follower row, got %v", got)
	}
}

func TestCopyHabitCreatesFreshPersonalCard(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	source := store.Card{ID: "card_9", CreatorID: "user_2", Title: "Their habit", PunchCount: 30, Mode: habit.ModeCollab}
	fake.cards = append(fake.cards, store.CardDetail{
		Card:    source,
		Punches: []store.Punch{{ID: 1, CardID: "card_9", UserID: "user_2", PunchedAt: time.Now()}},
	})
	s := newTestService(t, fake)
	signIn(t, s)

	sourceRecord, err := s.SharedCard(ctx, "card_9", "")
	if err != nil {
		t.Fatalf("SharedCard failed: %v", err)
	}
	copied, err := s.CopyHabit(ctx, sourceRecord)
	if err != nil {
		t.Fatalf("CopyHabit failed: %v", err)
	}

	if copied.ID == "card_9" {
		t.Error("copy should get a fresh id")
	}
	if copied.Mode != habit.ModePersonal || copied.Target() != 30 || len(copied.Punches) != 0 {
		t.Errorf("copy should be a fresh personal card: %+v", copied)
	}
	if got := fake.follows["card_9"]; len(got) != 1 || got[0] != testIdentity.ID {
		t.Errorf("copying should follow the source card, got %v", got)
	}
}

func TestCommentsRequireIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, newFakeGateway())

	err := s.AddComment(ctx, "card_1", CommentInput{Text: "nice"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("expected 401 domain error, got %v", err)
	}
}

func TestAddCommentStoresRow(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Swim"})
	if err := s.AddComment(ctx, record.ID, CommentInput{Emoji: "🎉"}); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if len(fake.comments) != 1 || fake.comments[0].Emoji != "🎉" {
		t.Errorf("expected comment row, got %+v", fake.comments)
	}

	if err := s.AddComment(ctx, record.ID, CommentInput{}); err == nil {
		t.Error("expected error for empty comment")
	}
}

func TestSignOutReturnsToGuestMode(t *testing.T) {
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)
	mustCreate(t, s, CreateHabitInput{Title: "Remote habit"})

	s.SignOut()

	if s.Identity() != nil {
		t.Error("identity should be nil after sign-out")
	}
	// Guest collection is empty: the remote rows stay remote.
	if got := s.Records(); len(got) != 0 {
		t.Errorf("expected empty guest collection, got %d records", len(got))
	}
}

func TestCreateHabitValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	cases := []struct {
		name  string
		input CreateHabitInput
	}{
		{"empty title", CreateHabitInput{}},
		{"bad punch count", CreateHabitInput{Title: "x", PunchCount: 7}},
		{"bad expiry", CreateHabitInput{Title: "x", ExpiresAt: "next tuesday"}},
		{"bad mode", CreateHabitInput{Title: "x", Mode: "team"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.CreateHabit(ctx, tc.input); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestShareLinkEmbedsSnapshotForGuests(t *testing.T) {
	s := newTestService(t, nil)
	record := mustCreate(t, s, CreateHabitInput{Title: "Read daily", PunchCount: 30})

	link, err := s.ShareLink(record.ID)
	if err != nil {
		t.Fatalf("ShareLink failed: %v", err)
	}
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	snapshot, err := sharelink.DecodeSnapshot(parsed.Query().Get("data"))
	if err != nil {
		t.Fatalf("guest link does not carry a snapshot: %v", err)
	}
	if snapshot.Title != "Read daily" || snapshot.PunchCount != 30 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}

	if _, err := s.ShareLink("missing"); err == nil {
		t.Error("expected not found for unknown id")
	}
}

func TestShareLinkUsesCardIDWhenSignedIn(t *testing.T) {
	fake := newFakeGateway()
	s := newTestService(t, fake)
	signIn(t, s)

	record := mustCreate(t, s, CreateHabitInput{Title: "Swim"})
	link, err := s.ShareLink(record.ID)
	if err != nil {
		t.Fatalf("ShareLink failed: %v", err)
	}
	want := "https://punchtime.test/share?id=" + record.ID
	if link != want {
		t.Errorf("expected %q, got %q", want, link)
	}
}

func TestSharedCardSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	record := mustCreate(t, s, CreateHabitInput{Title: "Snapshot me"})

	// By id, from the guest collection.
	got, err := s.SharedCard(ctx, record.ID, "")
	if err != nil {
		t.Fatalf("SharedCard by id failed: %v", err)
	}
	if got.Title != "Snapshot me" {
		t.Errorf("unexpected record: %+v", got)
	}

	if _, err := s.SharedCard(ctx, "missing", ""); err == nil {
		t.Error("expected not found for unknown id")
	}
	if _, err := s.SharedCard(ctx, "", "!!!"); err == nil {
		t.Error("expected error for malformed snapshot")
	}
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"punchtime/api/internal/auth"
	"punchtime/api/internal/config"
	"punchtime/api/internal/email"
	"punchtime/api/internal/habit"
	"punchtime/api/internal/localstore"
	"punchtime/api/internal/realtime"
	"punchtime/api/internal/search"
	"punchtime/api/internal/sharelink"
	"punchtime/api/internal/store"
)

const remoteTimeout = 10 * time.Second

type CreateHabitInput struct {
	Title      string `json:"title"`
	Reward     string `json:"reward"`
	Icon       string `json:"icon"`
	Color      string `json:"color"`
	Sound      string `json:"sound"`
	Category   string `json:"category"`
	ExpiresAt  string `json:"expiresAt"`
	PunchCount int    `json:"punchCount"`
	Mode       string `json:"mode"`
}

type UpdateHabitInput struct {
	Title      *string `json:"title"`
	Reward     *string `json:"reward"`
	Icon       *string `json:"icon"`
	Color      *string `json:"color"`
	Sound      *string `json:"sound"`
	Category   *string `json:"category"`
	ExpiresAt  *string `json:"expiresAt"`
	PunchCount *int    `json:"punchCount"`
	Mode       *string `json:"mode"`
	Archived   *bool   `json:"archived"`
}

type CommentInput struct {
	Text  string `json:"text"`
	Emoji string `json:"emoji"`
}

// ShareResult is returned by ShareHabit. A missing target identity is a
// distinguished success variant carrying an invite link, not an error.
type ShareResult struct {
	OK         bool   `json:"ok"`
	NotFound   bool   `json:"notFound,omitempty"`
	InviteLink string `json:"inviteLink,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Celebration fires when a punch fills a card's last slot.
type Celebration struct {
	CardID  string `json:"cardId"`
	SoundID string `json:"soundId"`
	Reward  string `json:"reward"`
}

// Alert reports a failed remote write behind an optimistic mutation,
// after the in-memory state has been rolled back.
type Alert struct {
	Intent  string `json:"intent"`
	CardID  string `json:"cardId"`
	Message string `json:"message"`
}

type remoteGateway interface {
	EnsureProfile(ctx context.Context, profile store.Profile) error
	FindProfileByIdentifier(ctx context.Context, identifier string) (*store.Profile, error)
	InsertCard(ctx context.Context, card store.Card) (store.Card, error)
	UpdateCard(ctx context.Context, cardID string, patch store.CardPatch) error
	DeleteCard(ctx context.Context, cardID string) error
	ListCards(ctx context.Context) ([]store.CardDetail, error)
	GetCard(ctx context.Context, cardID string) (store.CardDetail, error)
	InsertPunch(ctx context.Context, cardID, userID string, punchedAt time.Time) error
	LatestPunch(ctx context.Context, cardID string) (int64, error)
	DeletePunch(ctx context.Context, punchID int64) error
	HasCollaborator(ctx context.Context, cardID, userID string) (bool, error)
	InsertCollaborator(ctx context.Context, cardID, userID, role string) error
	InsertFollower(ctx context.Context, cardID, userID string) error
	InsertComment(ctx context.Context, cardID, userID, text, emoji string) error
	Ping(ctx context.Context) error
}

type localStore interface {
	Load() []habit.Record
	Save(records []habit.Record) error
	Clear() error
	PendingJoin() string
	SavePendingJoin(cardID string) error
	ClearPendingJoin()
}

type changeFeed interface {
	Publish(ctx context.Context, table string) error
	Subscribe(ctx context.Context, fn func(table string)) func()
	Ping(ctx context.Context) error
}

// Deps wires the service's collaborators. Remote, Feed, Search, and
// Mailer may be nil; the service degrades to the local store.
type Deps struct {
	Remote *store.PostgresStore
	Local  *localstore.Store
	Feed   *realtime.Feed
	Search *search.Service
	Mailer *email.Service
}

// Service is the synchronization core. It owns the in-memory card
// collection and keeps it reconciled with whichever backing store is
// active: the local JSON file in guest mode, the remote row set once an
// identity signs in.
type Service struct {
	cfg    config.Config
	remote remoteGateway
	local  localStore
	feed   changeFeed
	search *search.Service
	mailer *email.Service

	mu       sync.Mutex
	identity *auth.Identity
	records  []habit.Record

	wg           sync.WaitGroup
	unsubscribe  func()
	celebrations chan Celebration
	alerts       chan Alert
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:          cfg,
		local:        deps.Local,
		search:       deps.Search,
		celebrations: make(chan Celebration, 16),
		alerts:       make(chan Alert, 16),
	}
	if deps.Remote != nil {
		s.remote = deps.Remote
	}
	if deps.Feed != nil {
		s.feed = deps.Feed
	}
	if deps.Mailer != nil && deps.Mailer.IsConfigured() {
		s.mailer = deps.Mailer
	}
	return s
}

// Bootstrap loads the guest collection from the local store. Remote
// state is not touched until an identity signs in.
func (s *Service) Bootstrap(ctx context.Context) error {
	records := s.local.Load()
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	if s.search != nil {
		s.search.ReindexAll(ctx)
	}
	return nil
}

// Celebrations delivers completion events. The channel is buffered;
// events are dropped rather than blocking the mutation path.
func (s *Service) Celebrations() <-chan Celebration {
	return s.celebrations
}

// Alerts delivers rollback notifications for failed optimistic writes.
func (s *Service) Alerts() <-chan Alert {
	return s.alerts
}

// Identity returns the signed-in identity, or nil in guest mode.
func (s *Service) Identity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Records returns a deep copy of the current collection. Callers never
// see the live slice.
func (s *Service) Records() []habit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return habit.CloneAll(s.records)
}

// SignIn switches the core to authenticated mode: ensure the profile
// row exists, migrate any guest records, consume a pending join token,
// fetch the authoritative row set, and subscribe to the change feed.
func (s *Service) SignIn(ctx context.Context, identity auth.Identity) error {
	if s.remote == nil {
		return domainError(http.StatusServiceUnavailable, "no_backend", "remote backend not configured", nil)
	}

	if err := s.remote.EnsureProfile(ctx, store.Profile{
		ID:          identity.ID,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		AvatarURL:   identity.AvatarURL,
	}); err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}

	s.migrateLocal(ctx, identity)

	if token := s.local.PendingJoin(); token != "" {
		// Consume exactly once, even when the join fails.
		s.local.ClearPendingJoin()
		if err := s.joinCollab(ctx, identity, token); err != nil {
			log.Printf("app: deferred join %s: %v", token, err)
		}
	}

	records, err := s.fetchAll(ctx)
	if err != nil {
		return fmt.Errorf("fetch cards: %w", err)
	}

	s.mu.Lock()
	s.identity = &identity
	s.records = records
	s.mu.Unlock()

	s.subscribe()
	return nil
}

// SignOut drops the subscription and returns the core to guest mode.
// The remote rows stay put; the in-memory collection reloads from the
// local store, which is empty after a past migration.
func (s *Service) SignOut() {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.identity = nil
	s.mu.Unlock()

	records := s.local.Load()
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

// Refresh re-fetches the full remote row set and replaces the cache.
// In guest mode the in-memory collection is already the truth.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	signedIn := s.identity != nil
	s.mu.Unlock()
	if !signedIn {
		return nil
	}

	records, err := s.fetchAll(ctx)
	if err != nil {
		return fmt.Errorf("fetch cards: %w", err)
	}

	s.mu.Lock()
	if s.identity != nil {
		s.records = records
	}
	s.mu.Unlock()
	return nil
}

// Wait blocks until in-flight remote writes from optimistic mutations
// have settled.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close stops the subscription and waits for in-flight writes.
func (s *Service) Close() {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Ping reports backend liveness for the readiness endpoint.
func (s *Service) Ping(ctx context.Context) error {
	if s.remote != nil {
		if err := s.remote.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if s.feed != nil {
		if err := s.feed.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// migrateLocal pushes guest records into the backend, card first, then
// its punches with their original timestamps. A record that fails is
// logged and skipped; the local store is cleared regardless so the
// migration never runs twice.
func (s *Service) migrateLocal(ctx context.Context, identity auth.Identity) {
	records := s.local.Load()
	for _, rec := range records {
		card := recordToCard(rec)
		card.ID = "" // backend assigns its own id
		card.CreatorID = identity.ID
		card.Mode = habit.ModePersonal

		inserted, err := s.remote.InsertCard(ctx, card)
		if err != nil {
			log.Printf("app: migrate card %q: %v", rec.Title, err)
			continue
		}
		for _, punchedAt := range rec.Punches {
			if err := s.remote.InsertPunch(ctx, inserted.ID, identity.ID, punchedAt); err != nil {
				log.Printf("app: migrate punch for %q: %v", rec.Title, err)
			}
		}
	}

	if err := s.local.Clear(); err != nil {
		log.Printf("app: clear local store after migration: %v", err)
	}
}

func (s *Service) subscribe() {
	if s.feed == nil {
		return
	}
	stop := s.feed.Subscribe(context.Background(), func(table string) {
		// Coarse reconciliation: any change on a watched table
		// invalidates the whole cache.
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			log.Printf("app: refresh after %s change: %v", table, err)
		}
	})
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.unsubscribe = stop
	s.mu.Unlock()
}

func (s *Service) fetchAll(ctx context.Context) ([]habit.Record, error) {
	details, err := s.remote.ListCards(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]habit.Record, len(details))
	for i, detail := range details {
		records[i] = detailToRecord(detail)
	}
	return records, nil
}

// CreateHabit is not optimistic: the backend assigns the id, so the
// in-memory insert waits for the remote row.
func (s *Service) CreateHabit(ctx context.Context, input CreateHabitInput) (habit.Record, error) {
	if strings.TrimSpace(input.Title) == "" {
		return habit.Record{}, domainError(http.StatusBadRequest, "title_required", "habit title is required", nil)
	}
	if input.PunchCount != 0 && !habit.ValidPunchCount(input.PunchCount) {
		return habit.Record{}, domainError(http.StatusBadRequest, "bad_punch_count", "punch count must be one of the allowed targets", habit.PunchCounts)
	}
	if input.ExpiresAt != "" {
		if _, err := time.Parse(habit.DateOnly, input.ExpiresAt); err != nil {
			return habit.Record{}, domainError(http.StatusBadRequest, "bad_expiry", "expiry must be a YYYY-MM-DD date", nil)
		}
	}
	mode := input.Mode
	if mode == "" {
		mode = habit.ModePersonal
	}
	if mode != habit.ModePersonal && mode != habit.ModeCollab {
		return habit.Record{}, domainError(http.StatusBadRequest, "bad_mode", "mode must be personal or collab", nil)
	}

	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()

	if identity == nil {
		record := habit.Record{
			ID:         uuid.NewString(),
			CreatedAt:  time.Now().UTC(),
			Title:      input.Title,
			Reward:     input.Reward,
			Icon:       input.Icon,
			Color:      input.Color,
			Sound:      input.Sound,
			Category:   input.Category,
			ExpiresAt:  input.ExpiresAt,
			PunchCount: input.PunchCount,
			Punches:    []time.Time{},
			Mode:       mode,
		}
		if record.PunchCount == 0 {
			record.PunchCount = habit.DefaultPunchCount
		}
		s.mu.Lock()
		s.records = append(s.records, record)
		s.persistLocalLocked()
		s.mu.Unlock()
		return record, nil
	}

	card := store.Card{
		CreatorID:  identity.ID,
		Title:      input.Title,
		PunchCount: input.PunchCount,
		Reward:     input.Reward,
		Category:   input.Category,
		Icon:       input.Icon,
		Color:      input.Color,
		Sound:      input.Sound,
		Mode:       mode,
	}
	if input.ExpiresAt != "" {
		card.Expiration = &input.ExpiresAt
	}

	inserted, err := s.remote.InsertCard(ctx, card)
	if err != nil {
		return habit.Record{}, fmt.Errorf("insert card: %w", err)
	}

	record := cardToRecord(inserted)
	record.Collaborators = []habit.Member{{UserID: identity.ID, DisplayName: identity.DisplayName}}

	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()

	s.indexCard(record, identity.DisplayName)
	s.publish("cards")
	return record, nil
}

// UpdateHabit applies a field-level patch optimistically.
func (s *Service) UpdateHabit(ctx context.Context, cardID string, input UpdateHabitInput) error {
	if input.PunchCount != nil && !habit.ValidPunchCount(*input.PunchCount) {
		return domainError(http.StatusBadRequest, "bad_punch_count", "punch count must be one of the allowed targets", habit.PunchCounts)
	}
	if input.ExpiresAt != nil && *input.ExpiresAt != "" {
		if _, err := time.Parse(habit.DateOnly, *input.ExpiresAt); err != nil {
			return domainError(http.StatusBadRequest, "bad_expiry", "expiry must be a YYYY-MM-DD date", nil)
		}
	}

	return s.applyOptimistic(ctx, "update", cardID,
		func(r *habit.Record) {
			applyPatch(r, input)
		},
		func(ctx context.Context) error {
			return s.remote.UpdateCard(ctx, cardID, patchFromInput(input))
		},
		"cards",
	)
}

// ArchiveHabit hides a card from the active board without deleting its
// history.
func (s *Service) ArchiveHabit(ctx context.Context, cardID string) error {
	archived := true
	return s.UpdateHabit(ctx, cardID, UpdateHabitInput{Archived: &archived})
}

// DeleteHabit removes a card optimistically.
func (s *Service) DeleteHabit(ctx context.Context, cardID string) error {
	s.mu.Lock()
	idx := s.indexOfLocked(cardID)
	if idx < 0 {
		s.mu.Unlock()
		return domainError(http.StatusNotFound, "not_found", "habit not found", nil)
	}

	if s.identity == nil {
		s.records = append(s.records[:idx], s.records[idx+1:]...)
		s.persistLocalLocked()
		s.mu.Unlock()
		return nil
	}

	snapshot := habit.CloneAll(s.records)
	s.records = append(s.records[:idx], s.records[idx+1:]...)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		if err := s.remote.DeleteCard(ctx, cardID); err != nil {
			s.rollback(snapshot, "delete", cardID, err)
			return
		}
		if s.search != nil {
			s.search.DeleteCard(cardID)
		}
		s.publish("cards")
	}()
	return nil
}

// PunchHabit appends a punch. Punching a full card is a no-op; the
// punch that fills the last slot emits a celebration.
func (s *Service) PunchHabit(ctx context.Context, cardID string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	idx := s.indexOfLocked(cardID)
	if idx < 0 {
		s.mu.Unlock()
		return domainError(http.StatusNotFound, "not_found", "habit not found", nil)
	}
	if s.records[idx].IsComplete() {
		s.mu.Unlock()
		return nil
	}

	if s.identity == nil {
		s.records[idx].Punches = append(s.records[idx].Punches, now)
		complete := s.records[idx].IsComplete()
		rec := s.records[idx]
		s.persistLocalLocked()
		s.mu.Unlock()
		if complete {
			s.celebrate(rec)
		}
		return nil
	}

	identity := *s.identity
	snapshot := habit.CloneAll(s.records)
	s.records[idx].Punches = append(s.records[idx].Punches, now)
	complete := s.records[idx].IsComplete()
	rec := s.records[idx].Clone()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		if err := s.remote.InsertPunch(ctx, cardID, identity.ID, now); err != nil {
			s.rollback(snapshot, "punch", cardID, err)
			return
		}
		// Celebrate only once the punch is durable.
		if complete {
			s.celebrate(rec)
		}
		s.publish("punches")
	}()
	return nil
}

// UnpunchHabit removes the most recent punch. An empty card is a no-op.
func (s *Service) UnpunchHabit(ctx context.Context, cardID string) error {
	s.mu.Lock()
	idx := s.indexOfLocked(cardID)
	if idx < 0 {
		s.mu.Unlock()
		return domainError(http.StatusNotFound, "not_found", "habit not found", nil)
	}
	if len(s.records[idx].Punches) == 0 {
		s.mu.Unlock()
		return nil
	}

	if s.identity == nil {
		punches := s.records[idx].Punches
		s.records[idx].Punches = punches[:len(punches)-1]
		s.persistLocalLocked()
		s.mu.Unlock()
		return nil
	}

	snapshot := habit.CloneAll(s.records)
	punches := s.records[idx].Punches
	s.records[idx].Punches = punches[:len(punches)-1]
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		punchID, err := s.remote.LatestPunch(ctx, cardID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.rollback(snapshot, "unpunch", cardID, errors.New("no punches to remove"))
				return
			}
			s.rollback(snapshot, "unpunch", cardID, err)
			return
		}
		if err := s.remote.DeletePunch(ctx, punchID); err != nil {
			s.rollback(snapshot, "unpunch", cardID, err)
			return
		}
		s.publish("punches")
	}()
	return nil
}

// ShareHabit looks up the target by display name or email and adds them
// as an editor. An unknown identifier yields an invite link instead of
// an error; a duplicate membership yields a message.
func (s *Service) ShareHabit(ctx context.Context, cardID, identifier string) (ShareResult, error) {
	identity, err := s.requireIdentity()
	if err != nil {
		return ShareResult{}, err
	}
	if strings.TrimSpace(identifier) == "" {
		return ShareResult{}, domainError(http.StatusBadRequest, "identifier_required", "share target is required", nil)
	}

	profile, err := s.remote.FindProfileByIdentifier(ctx, identifier)
	if err != nil {
		return ShareResult{}, fmt.Errorf("find share target: %w", err)
	}
	if profile == nil {
		link := sharelink.InviteLink(s.cfg.BaseURL, cardID, identifier)
		s.sendInvite(identifier, identity.DisplayName, cardID, link)
		return ShareResult{NotFound: true, InviteLink: link}, nil
	}

	if err := s.remote.InsertCollaborator(ctx, cardID, profile.ID, "editor"); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ShareResult{OK: true, Message: "already a collaborator"}, nil
		}
		return ShareResult{}, fmt.Errorf("insert collaborator: %w", err)
	}

	s.refetchCard(ctx, cardID)
	s.publish("collaborators")
	return ShareResult{OK: true}, nil
}

// JoinCollab adds the caller to a card's collaborators. Joining a card
// the caller already belongs to is a success.
func (s *Service) JoinCollab(ctx context.Context, cardID string) error {
	identity, err := s.requireIdentity()
	if err != nil {
		return err
	}
	if err := s.joinCollab(ctx, identity, cardID); err != nil {
		return err
	}
	if err := s.Refresh(ctx); err != nil {
		log.Printf("app: refresh after join: %v", err)
	}
	s.publish("collaborators")
	return nil
}

func (s *Service) joinCollab(ctx context.Context, identity auth.Identity, cardID string) error {
	joined, err := s.remote.HasCollaborator(ctx, cardID, identity.ID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if joined {
		return nil
	}
	if err := s.remote.InsertCollaborator(ctx, cardID, identity.ID, "editor"); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("insert collaborator: %w", err)
	}
	return nil
}

// FollowCard subscribes the caller to a card they do not edit.
// Following twice is a success.
func (s *Service) FollowCard(ctx context.Context, cardID string) error {
	identity, err := s.requireIdentity()
	if err != nil {
		return err
	}
	if err := s.remote.InsertFollower(ctx, cardID, identity.ID); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("insert follower: %w", err)
	}
	s.publish("cards")
	return nil
}

// CopyHabit clones a shared card into the caller's own collection as a
// fresh personal card with no punches, then follows the source card.
func (s *Service) CopyHabit(ctx context.Context, source habit.Record) (habit.Record, error) {
	record, err := s.CreateHabit(ctx, CreateHabitInput{
		Title:      source.Title,
		Reward:     source.Reward,
		Icon:       source.Icon,
		Color:      source.Color,
		Sound:      source.Sound,
		Category:   source.Category,
		PunchCount: source.Target(),
		Mode:       habit.ModePersonal,
	})
	if err != nil {
		return habit.Record{}, err
	}

	// Follow the card we copied from so both sides see each other.
	if source.ID != "" && s.Identity() != nil {
		if err := s.FollowCard(ctx, source.ID); err != nil {
			log.Printf("app: follow source card %s: %v", source.ID, err)
		}
	}
	return record, nil
}

// AddComment leaves a cheer on a card. Comments require an identity.
func (s *Service) AddComment(ctx context.Context, cardID string, input CommentInput) error {
	identity, err := s.requireIdentity()
	if err != nil {
		return err
	}
	if strings.TrimSpace(input.Text) == "" && input.Emoji == "" {
		return domainError(http.StatusBadRequest, "comment_required", "comment text or emoji is required", nil)
	}

	if err := s.remote.InsertComment(ctx, cardID, identity.ID, input.Text, input.Emoji); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}

	s.refetchCard(ctx, cardID)
	s.publish("comments")
	return nil
}

// SharedCard resolves a share link: a live card id in authenticated
// deployments, or a base64 snapshot for card-less sharing.
func (s *Service) SharedCard(ctx context.Context, id, data string) (habit.Record, error) {
	if data != "" {
		record, err := sharelink.DecodeSnapshot(data)
		if err != nil {
			return habit.Record{}, domainError(http.StatusBadRequest, "bad_snapshot", "share payload is not a valid card snapshot", nil)
		}
		return record, nil
	}
	if id == "" {
		return habit.Record{}, domainError(http.StatusBadRequest, "bad_share", "share link needs an id or data parameter", nil)
	}

	if s.remote != nil {
		detail, err := s.remote.GetCard(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return habit.Record{}, domainError(http.StatusNotFound, "not_found", "shared card not found", nil)
			}
			return habit.Record{}, fmt.Errorf("get card: %w", err)
		}
		return detailToRecord(detail), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOfLocked(id); idx >= 0 {
		return s.records[idx].Clone(), nil
	}
	return habit.Record{}, domainError(http.StatusNotFound, "not_found", "shared card not found", nil)
}

// ShareLink returns the canonical URL for viewing a card. Signed-in
// deployments link by id; guest cards embed a full snapshot so the
// viewer needs no backend row.
func (s *Service) ShareLink(cardID string) (string, error) {
	s.mu.Lock()
	idx := s.indexOfLocked(cardID)
	if idx < 0 {
		s.mu.Unlock()
		return "", domainError(http.StatusNotFound, "not_found", "habit not found", nil)
	}
	signedIn := s.identity != nil
	rec := s.records[idx].Clone()
	s.mu.Unlock()

	if signedIn {
		return sharelink.CardLink(s.cfg.BaseURL, cardID), nil
	}
	link, err := sharelink.SnapshotLink(s.cfg.BaseURL, rec)
	if err != nil {
		return "", fmt.Errorf("build snapshot link: %w", err)
	}
	return link, nil
}

// SaveJoinToken persists a join token for a signed-out visitor so the
// next authenticated bootstrap can consume it.
func (s *Service) SaveJoinToken(cardID string) error {
	if cardID == "" {
		return domainError(http.StatusBadRequest, "bad_join", "join token is required", nil)
	}
	if err := s.local.SavePendingJoin(cardID); err != nil {
		return fmt.Errorf("save join token: %w", err)
	}
	return nil
}

func (s *Service) applyOptimistic(ctx context.Context, intent, cardID string, mutate func(*habit.Record), remoteCall func(ctx context.Context) error, table string) error {
	s.mu.Lock()
	idx := s.indexOfLocked(cardID)
	if idx < 0 {
		s.mu.Unlock()
		return domainError(http.StatusNotFound, "not_found", "habit not found", nil)
	}

	if s.identity == nil {
		mutate(&s.records[idx])
		s.persistLocalLocked()
		s.mu.Unlock()
		return nil
	}

	snapshot := habit.CloneAll(s.records)
	mutate(&s.records[idx])
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		if err := remoteCall(ctx); err != nil {
			s.rollback(snapshot, intent, cardID, err)
			return
		}
		s.publish(table)
	}()
	return nil
}

func (s *Service) rollback(snapshot []habit.Record, intent, cardID string, err error) {
	log.Printf("app: %s %s failed, rolling back: %v", intent, cardID, err)
	s.mu.Lock()
	s.records = snapshot
	s.mu.Unlock()

	select {
	case s.alerts <- Alert{Intent: intent, CardID: cardID, Message: err.Error()}:
	default:
	}
}

func (s *Service) celebrate(rec habit.Record) {
	select {
	case s.celebrations <- Celebration{CardID: rec.ID, SoundID: rec.Sound, Reward: rec.Reward}:
	default:
	}
}

func (s *Service) publish(table string) {
	if s.feed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.feed.Publish(ctx, table); err != nil {
		log.Printf("app: publish %s change: %v", table, err)
	}
}

func (s *Service) indexCard(rec habit.Record, creatorName string) {
	if s.search == nil {
		return
	}
	s.search.IndexCard(search.CardRecord{
		ID:          rec.ID,
		Title:       rec.Title,
		Category:    rec.Category,
		Reward:      rec.Reward,
		Mode:        rec.Mode,
		CreatorName: creatorName,
	})
}

func (s *Service) sendInvite(identifier, inviterName, cardID, link string) {
	if s.mailer == nil || !strings.Contains(identifier, "@") {
		return
	}
	title := ""
	s.mu.Lock()
	if idx := s.indexOfLocked(cardID); idx >= 0 {
		title = s.records[idx].Title
	}
	s.mu.Unlock()

	go func() {
		if err := s.mailer.SendInviteEmail(identifier, inviterName, title, link); err != nil {
			log.Printf("app: invite email to %s: %v", identifier, err)
		}
	}()
}

// refetchCard replaces one cached record with the backend's current
// nested row set.
func (s *Service) refetchCard(ctx context.Context, cardID string) {
	detail, err := s.remote.GetCard(ctx, cardID)
	if err != nil {
		log.Printf("app: refetch card %s: %v", cardID, err)
		return
	}
	record := detailToRecord(detail)

	s.mu.Lock()
	if idx := s.indexOfLocked(cardID); idx >= 0 {
		s.records[idx] = record
	} else {
		s.records = append(s.records, record)
	}
	s.mu.Unlock()
}

func (s *Service) requireIdentity() (auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return auth.Identity{}, domainError(http.StatusUnauthorized, "auth_required", "sign in required", nil)
	}
	return *s.identity, nil
}

// persistLocalLocked serializes the collection in guest mode. Storage
// failures are logged; in-memory state stays authoritative.
func (s *Service) persistLocalLocked() {
	if err := s.local.Save(s.records); err != nil {
		log.Printf("app: save local store: %v", err)
	}
}

func (s *Service) indexOfLocked(cardID string) int {
	for i := range s.records {
		if s.records[i].ID == cardID {
			return i
		}
	}
	return -1
}

func applyPatch(r *habit.Record, input UpdateHabitInput) {
	if input.Title != nil {
		r.Title = *input.Title
	}
	if input.Reward != nil {
		r.Reward = *input.Reward
	}
	if input.Icon != nil {
		r.Icon = *input.Icon
	}
	if input.Color != nil {
		r.Color = *input.Color
	}
	if input.Sound != nil {
		r.Sound = *input.Sound
	}
	if input.Category != nil {
		r.Category = *input.Category
	}
	if input.ExpiresAt != nil {
		r.ExpiresAt = *input.ExpiresAt
	}
	if input.PunchCount != nil {
		r.PunchCount = *input.PunchCount
	}
	if input.Mode != nil {
		r.Mode = *input.Mode
	}
	if input.Archived != nil {
		r.Archived = *input.Archived
	}
}

func patchFromInput(input UpdateHabitInput) store.CardPatch {
	return store.CardPatch{
		Title:      input.Title,
		Reward:     input.Reward,
		Category:   input.Category,
		Expiration: input.ExpiresAt,
		Icon:       input.Icon,
		Color:      input.Color,
		Sound:      input.Sound,
		Mode:       input.Mode,
		PunchCount: input.PunchCount,
		Archived:   input.Archived,
	}
}

func recordToCard(rec habit.Record) store.Card {
	card := store.Card{
		ID:         rec.ID,
		CreatorID:  rec.CreatorID,
		Title:      rec.Title,
		PunchCount: rec.Target(),
		Reward:     rec.Reward,
		Category:   rec.Category,
		Icon:       rec.Icon,
		Color:      rec.Color,
		Sound:      rec.Sound,
		Mode:       rec.Mode,
		Archived:   rec.Archived,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.ExpiresAt != "" {
		expiry := rec.ExpiresAt
		card.Expiration = &expiry
	}
	return card
}

func cardToRecord(card store.Card) habit.Record {
	rec := habit.Record{
		ID:         card.ID,
		CreatedAt:  card.CreatedAt,
		Title:      card.Title,
		Reward:     card.Reward,
		Icon:       card.Icon,
		Color:      card.Color,
		Sound:      card.Sound,
		Category:   card.Category,
		PunchCount: card.PunchCount,
		Punches:    []time.Time{},
		Archived:   card.Archived,
		Mode:       card.Mode,
		CreatorID:  card.CreatorID,
	}
	if card.Expiration != nil {
		rec.ExpiresAt = *card.Expiration
	}
	return rec
}

func detailToRecord(detail store.CardDetail) habit.Record {
	rec := cardToRecord(detail.Card)
	for _, punch := range detail.Punches {
		rec.Punches = append(rec.Punches, punch.PunchedAt)
	}
	for _, member := range detail.Collaborators {
		rec.Collaborators = append(rec.Collaborators, habit.Member{UserID: member.UserID, DisplayName: member.DisplayName})
	}
	for _, member := range detail.Followers {
		rec.Followers = append(rec.Followers, habit.Member{UserID: member.UserID, DisplayName: member.DisplayName})
	}
	for _, comment := range detail.Comments {
		rec.Comments = append(rec.Comments, habit.Comment{
			UserID:      comment.UserID,
			DisplayName: comment.DisplayName,
			Text:        comment.Text,
			Emoji:       comment.Emoji,
			CreatedAt:   comment.CreatedAt,
		})
	}
	return rec
}

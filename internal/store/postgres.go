package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"punchtime/api/internal/habit"
	"punchtime/api/internal/util"
)

// ErrDuplicate marks a unique-constraint violation (already a collaborator,
// already following). Callers treat it as idempotent success or as a
// distinguished result, never as a hard failure.
var ErrDuplicate = errors.New("duplicate row")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// expirationDate formats the expiration DATE column back to the domain's
// date-only layout. The driver scans DATE as time.Time; letting that
// stringify would leak a timestamp where the domain expects YYYY-MM-DD.
func expirationDate(t sql.NullTime) *string {
	if !t.Valid {
		return nil
	}
	s := t.Time.Format(habit.DateOnly)
	return &s
}

// EnsureProfile inserts a default profile for the identity if none exists.
// Idempotent: a concurrent insert losing the race is treated as success.
func (s *PostgresStore) EnsureProfile(ctx context.Context, profile Profile) error {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM profiles WHERE id=$1`, profile.ID).Scan(&existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup profile: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, email, avatar_url)
		VALUES ($1, $2, $3, $4)
	`, profile.ID, profile.DisplayName, profile.Email, profile.AvatarURL)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, avatar_url, password_hash, created_at
		FROM profiles
		WHERE email=$1
	`, email).Scan(&profile.ID, &profile.DisplayName, &profile.Email, &profile.AvatarURL, &profile.PasswordHash, &profile.CreatedAt)
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (s *PostgresStore) InsertProfile(ctx context.Context, profile Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, email, avatar_url, password_hash)
		VALUES ($1, $2, $3, $4, $5)
	`, profile.ID, profile.DisplayName, profile.Email, profile.AvatarURL, profile.PasswordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// FindProfileByIdentifier looks up a share target by display name or email.
// Returns nil without error when no profile matches.
func (s *PostgresStore) FindProfileByIdentifier(ctx context.Context, identifier string) (*Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, avatar_url, created_at
		FROM profiles
		WHERE display_name=$1 OR email=$1
		LIMIT 1
	`, identifier).Scan(&profile.ID, &profile.DisplayName, &profile.Email, &profile.AvatarURL, &profile.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return &profile, nil
}

func (s *PostgresStore) InsertCard(ctx context.Context, card Card) (Card, error) {
	if card.ID == "" {
		card.ID = util.NewID("card")
	}
	if card.PunchCount <= 0 {
		card.PunchCount = 10
	}
	if card.Mode == "" {
		card.Mode = "personal"
	}

	createdAt := card.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cards (id, creator_id, habit, punch_count, reward, category, expiration, icon, color, celebration_sound, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`, card.ID, card.CreatorID, card.Title, card.PunchCount, card.Reward, card.Category,
		card.Expiration, card.Icon, card.Color, card.Sound, card.Mode, createdAt,
	).Scan(&card.ID, &card.CreatedAt)
	if err != nil {
		return Card{}, fmt.Errorf("insert card: %w", err)
	}
	return card, nil
}

// UpdateCard writes only the patch's non-nil fields.
func (s *PostgresStore) UpdateCard(ctx context.Context, cardID string, patch CardPatch) error {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.Title != nil {
		add("habit", *patch.Title)
	}
	if patch.Reward != nil {
		add("reward", *patch.Reward)
	}
	if patch.Category != nil {
		add("category", *patch.Category)
	}
	if patch.Expiration != nil {
		if *patch.Expiration == "" {
			sets = append(sets, "expiration=NULL")
		} else {
			add("expiration", *patch.Expiration)
		}
	}
	if patch.Icon != nil {
		add("icon", *patch.Icon)
	}
	if patch.Color != nil {
		add("color", *patch.Color)
	}
	if patch.Sound != nil {
		add("celebration_sound", *patch.Sound)
	}
	if patch.Mode != nil {
		add("mode", *patch.Mode)
	}
	if patch.PunchCount != nil {
		add("punch_count", *patch.PunchCount)
	}
	if patch.Archived != nil {
		add("archived", *patch.Archived)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, cardID)
	query := fmt.Sprintf(`UPDATE cards SET %s WHERE id=$%d`, strings.Join(sets, ", "), len(args))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCard(ctx context.Context, cardID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE id=$1`, cardID); err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return nil
}

// ListCards returns every card with its nested punch, membership, and
// comment rows. Collections are small; children are loaded in one query
// per table and grouped in memory.
func (s *PostgresStore) ListCards(ctx context.Context) ([]CardDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, creator_id, habit, punch_count, reward, category, expiration, icon, color, celebration_sound, mode, archived, created_at
		FROM cards
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	items := make([]CardDetail, 0)
	index := make(map[string]int)
	for rows.Next() {
		var item CardDetail
		var expiration sql.NullTime
		if err := rows.Scan(
			&item.ID, &item.CreatorID, &item.Title, &item.PunchCount, &item.Reward,
			&item.Category, &expiration, &item.Icon, &item.Color, &item.Sound,
			&item.Mode, &item.Archived, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		item.Expiration = expirationDate(expiration)
		item.Punches = []Punch{}
		item.Collaborators = []Member{}
		item.Followers = []Member{}
		item.Comments = []Comment{}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	if err := s.loadPunches(ctx, items, index); err != nil {
		return nil, err
	}
	if err := s.loadMembers(ctx, "collaborators", items, index); err != nil {
		return nil, err
	}
	if err := s.loadMembers(ctx, "followers", items, index); err != nil {
		return nil, err
	}
	if err := s.loadComments(ctx, items, index); err != nil {
		return nil, err
	}
	return items, nil
}

// GetCard fetches a single card with nested rows, for shared-card viewing.
func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (CardDetail, error) {
	var item CardDetail
	var expiration sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, creator_id, habit, punch_count, reward, category, expiration, icon, color, celebration_sound, mode, archived, created_at
		FROM cards
		WHERE id=$1
	`, cardID).Scan(
		&item.ID, &item.CreatorID, &item.Title, &item.PunchCount, &item.Reward,
		&item.Category, &expiration, &item.Icon, &item.Color, &item.Sound,
		&item.Mode, &item.Archived, &item.CreatedAt,
	)
	if err != nil {
		return CardDetail{}, err
	}

	item.Expiration = expirationDate(expiration)
	item.Punches = []Punch{}
	item.Collaborators = []Member{}
	item.Followers = []Member{}
	item.Comments = []Comment{}
	items := []CardDetail{item}
	index := map[string]int{item.ID: 0}

	if err := s.loadPunches(ctx, items, index); err != nil {
		return CardDetail{}, err
	}
	if err := s.loadMembers(ctx, "collaborators", items, index); err != nil {
		return CardDetail{}, err
	}
	if err := s.loadMembers(ctx, "followers", items, index); err != nil {
		return CardDetail{}, err
	}
	if err := s.loadComments(ctx, items, index); err != nil {
		return CardDetail{}, err
	}
	return items[0], nil
}

func (s *PostgresStore) loadPunches(ctx context.Context, items []CardDetail, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, user_id, punched_at
		FROM punches
		ORDER BY punched_at ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("list punches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var punch Punch
		if err := rows.Scan(&punch.ID, &punch.CardID, &punch.UserID, &punch.PunchedAt); err != nil {
			return fmt.Errorf("scan punch: %w", err)
		}
		if i, ok := index[punch.CardID]; ok {
			items[i].Punches = append(items[i].Punches, punch)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate punches: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadMembers(ctx context.Context, table string, items []CardDetail, index map[string]int) error {
	query := fmt.Sprintf(`
		SELECT m.card_id, m.user_id, p.display_name
		FROM %s m
		JOIN profiles p ON p.id = m.user_id
		ORDER BY m.created_at ASC
	`, table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cardID string
		var member Member
		if err := rows.Scan(&cardID, &member.UserID, &member.DisplayName); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		i, ok := index[cardID]
		if !ok {
			continue
		}
		if table == "collaborators" {
			items[i].Collaborators = append(items[i].Collaborators, member)
		} else {
			items[i].Followers = append(items[i].Followers, member)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) loadComments(ctx context.Context, items []CardDetail, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.card_id, c.user_id, p.display_name, c.comment_text, c.emoji, c.created_at
		FROM comments c
		JOIN profiles p ON p.id = c.user_id
		ORDER BY c.created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.CardID, &comment.UserID, &comment.DisplayName, &comment.Text, &comment.Emoji, &comment.CreatedAt); err != nil {
			return fmt.Errorf("scan comment: %w", err)
		}
		if i, ok := index[comment.CardID]; ok {
			items[i].Comments = append(items[i].Comments, comment)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate comments: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPunch(ctx context.Context, cardID, userID string, punchedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO punches (card_id, user_id, punched_at)
		VALUES ($1, $2, $3)
	`, cardID, userID, punchedAt)
	if err != nil {
		return fmt.Errorf("insert punch: %w", err)
	}
	return nil
}

// LatestPunch returns the id of the card's most recent punch, ordered by
// punched_at with the row id as tiebreak so same-instant punches delete in
// reverse insertion order.
func (s *PostgresStore) LatestPunch(ctx context.Context, cardID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM punches
		WHERE card_id=$1
		ORDER BY punched_at DESC, id DESC
		LIMIT 1
	`, cardID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) DeletePunch(ctx context.Context, punchID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM punches WHERE id=$1`, punchID); err != nil {
		return fmt.Errorf("delete punch: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasCollaborator(ctx context.Context, cardID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM collaborators WHERE card_id=$1 AND user_id=$2)
	`, cardID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check collaborator: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertCollaborator(ctx context.Context, cardID, userID, role string) error {
	if role == "" {
		role = "editor"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (card_id, user_id, role)
		VALUES ($1, $2, $3)
	`, cardID, userID, role)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertFollower(ctx context.Context, cardID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followers (card_id, user_id)
		VALUES ($1, $2)
	`, cardID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert follower: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, cardID, userID, text, emoji string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (card_id, user_id, comment_text, emoji)
		VALUES ($1, $2, $3, $4)
	`, cardID, userID, text, emoji)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

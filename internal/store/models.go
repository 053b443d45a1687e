package store

import "time"

type Profile struct {
	ID           string
	DisplayName  string
	Email        string
	AvatarURL    string
	PasswordHash string
	CreatedAt    time.Time
}

// Card is one punch card row. Title maps to the `habit` column.
type Card struct {
	ID         string
	CreatorID  string
	Title      string
	PunchCount int
	Reward     string
	Category   string
	Expiration *string // date-only, nil when the card never expires
	Icon       string
	Color      string
	Sound      string
	Mode       string
	Archived   bool
	CreatedAt  time.Time
}

// CardPatch is a field-level update; only non-nil fields are written.
type CardPatch struct {
	Title      *string
	Reward     *string
	Category   *string
	Expiration *string
	Icon       *string
	Color      *string
	Sound      *string
	Mode       *string
	PunchCount *int
	Archived   *bool
}

type Punch struct {
	ID        int64
	CardID    string
	UserID    string
	PunchedAt time.Time
}

// Member is a collaborator or follower row joined with the profile
// display name.
type Member struct {
	UserID      string
	DisplayName string
}

type Comment struct {
	ID          int64
	CardID      string
	UserID      string
	DisplayName string
	Text        string
	Emoji       string
	CreatedAt   time.Time
}

// CardDetail is a card with its nested punch, membership, and comment rows,
// the shape the synchronization core caches in memory.
type CardDetail struct {
	Card
	Punches       []Punch
	Collaborators []Member
	Followers     []Member
	Comments      []Comment
}

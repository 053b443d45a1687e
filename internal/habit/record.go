// Package habit holds the punch card domain model and the derived
// computations (completion, expiry, streak) shared by both backing stores.
package habit

import "time"

const (
	ModePersonal = "personal"
	ModeCollab   = "collab"

	// DefaultPunchCount is used when a card does not specify a target.
	DefaultPunchCount = 10
)

// PunchCounts are the allowed completion targets for a card.
var PunchCounts = []int{10, 30}

// DateOnly is the layout for expiry dates, which carry no time component.
const DateOnly = "2006-01-02"

// Member is an identity attached to a card, either as a collaborator
// (edit rights) or a follower (read/cheer only).
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Comment is a cheer left on a card by a follower or collaborator.
type Comment struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text,omitempty"`
	Emoji       string    `json:"emoji,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Record is one punch card. In guest mode the in-memory copy is
// authoritative and serialized wholesale to the local store; in
// authenticated mode it is a cache of the remote row set.
type Record struct {
	ID         string      `json:"id"`
	CreatedAt  time.Time   `json:"createdAt"`
	Title      string      `json:"title"`
	Reward     string      `json:"reward,omitempty"`
	Icon       string      `json:"icon,omitempty"`
	Color      string      `json:"color,omitempty"`
	Sound      string      `json:"sound,omitempty"`
	Category   string      `json:"category,omitempty"`
	ExpiresAt  string      `json:"expiresAt,omitempty"` // date-only, DateOnly layout
	PunchCount int         `json:"punchCount"`
	Punches    []time.Time `json:"punches"`
	Archived   bool        `json:"archived"`
	Mode       string      `json:"mode"`
	CreatorID  string      `json:"creatorId,omitempty"`

	Collaborators []Member  `json:"collaborators,omitempty"`
	Followers     []Member  `json:"followers,omitempty"`
	Comments      []Comment `json:"comments,omitempty"`
}

// Target returns the card's punch count, falling back to the default for
// records persisted before the field existed.
func (r Record) Target() int {
	if r.PunchCount <= 0 {
		return DefaultPunchCount
	}
	return r.PunchCount
}

// FilledSlots is the number of punches recorded so far.
func (r Record) FilledSlots() int {
	return len(r.Punches)
}

// IsComplete reports whether the card reached its target.
func (r Record) IsComplete() bool {
	return r.FilledSlots() >= r.Target()
}

// IsExpired reports whether the card's expiry date has passed without the
// card completing. Cards without an expiry never expire.
func (r Record) IsExpired(today time.Time) bool {
	if r.ExpiresAt == "" || r.IsComplete() {
		return false
	}
	expiry, err := time.Parse(DateOnly, r.ExpiresAt)
	if err != nil {
		return false
	}
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	return expiry.Before(day)
}

// Streak returns the card's current daily streak as of today.
func (r Record) Streak(today time.Time) int {
	return Streak(r.Punches, today)
}

// Clone returns a deep copy of the record. Snapshots taken for optimistic
// rollback must not share slice storage with the live record.
func (r Record) Clone() Record {
	out := r
	if r.Punches != nil {
		out.Punches = append([]time.Time(nil), r.Punches...)
	}
	if r.Collaborators != nil {
		out.Collaborators = append([]Member(nil), r.Collaborators...)
	}
	if r.Followers != nil {
		out.Followers = append([]Member(nil), r.Followers...)
	}
	if r.Comments != nil {
		out.Comments = append([]Comment(nil), r.Comments...)
	}
	return out
}

// CloneAll deep-copies a collection.
func CloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// ValidPunchCount reports whether n is an allowed completion target.
func ValidPunchCount(n int) bool {
	for _, allowed := range PunchCounts {
		if n == allowed {
			return true
		}
	}
	return false
}

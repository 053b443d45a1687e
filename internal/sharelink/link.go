// Package sharelink builds and parses the URLs used to share cards,
// invite collaborators, and carry deferred join tokens.
package sharelink

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"punchtime/api/internal/habit"
)

// CardLink returns a share URL for a card that lives in the backend.
func CardLink(baseURL, cardID string) string {
	return fmt.Sprintf("%s/share?id=%s", baseURL, url.QueryEscape(cardID))
}

// SnapshotLink returns a share URL that embeds the full record as
// base64 JSON, so the card can be viewed without a backend row.
func SnapshotLink(baseURL string, record habit.Record) (string, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	return fmt.Sprintf("%s/share?data=%s", baseURL, url.QueryEscape(encoded)), nil
}

// DecodeSnapshot parses the base64 JSON payload of a snapshot link.
func DecodeSnapshot(data string) (habit.Record, error) {
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return habit.Record{}, fmt.Errorf("decode snapshot: %w", err)
	}
	var record habit.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return habit.Record{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return record, nil
}

// InviteLink returns the URL mailed to someone who is not a member yet.
func InviteLink(baseURL, cardID, email string) string {
	return fmt.Sprintf("%s/invite?card=%s&email=%s", baseURL, url.QueryEscape(cardID), url.QueryEscape(email))
}

// JoinToken extracts the deferred-join card id from a URL, or "" when
// the URL carries none.
func JoinToken(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("join")
}

// ScrubJoinToken removes the join parameter from a URL so the token is
// not visible after it has been consumed.
func ScrubJoinToken(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	if !query.Has("join") {
		return rawURL
	}
	query.Del("join")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

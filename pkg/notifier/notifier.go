// Package notifier contains the core domain types for the Seekube job notification service.
package notifier

import (
	"encoding/json"
	"fmt"
	"time"
)

// Posting is a single job posting found on a listing page.
// ID is the canonical absolute URL; Title is best-effort and never used for identity.
type Posting struct {
	ID    string
	Title string
	URL   string
}

// SeenRecord marks a posting whose notification was confirmed delivered.
type SeenRecord struct {
	FirstSeen time.Time
	ID        string
}

// Cookie is one browser cookie in storage-state form.
// Expires is seconds since the epoch, or -1 for a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	SameSite string  `json:"sameSite,omitempty"` // Strict, Lax or None
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

// StorageItem is one localStorage entry.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin holds the localStorage captured for a single origin.
type Origin struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// SessionState is an authenticated browser session. The JSON layout is the
// Playwright storage-state format, so files are interchangeable between engines.
type SessionState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// ParseSessionState decodes a storage-state document.
func ParseSessionState(data []byte) (*SessionState, error) {
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &st, nil
}

// Marshal encodes the state as indented storage-state JSON.
func (s *SessionState) Marshal() ([]byte, error) {
	if s.Cookies == nil {
		s.Cookies = []Cookie{}
	}
	if s.Origins == nil {
		s.Origins = []Origin{}
	}
	return json.MarshalIndent(s, "", "  ")
}

// FormatMessage renders the notification text for a posting.
func FormatMessage(p *Posting) string {
	return fmt.Sprintf("🆕 New Seekube job:\n\n%s\n%s", p.Title, p.URL)
}

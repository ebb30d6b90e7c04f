package hive

import (
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
)

// Tone colours a banner.
type Tone string

const (
	ToneSuccess Tone = "success"
	ToneError   Tone = "error"
	ToneInfo    Tone = "info"
)

// Banner is a transient message shown above the board.
type Banner struct {
	Message   string    `json:"message"`
	Tone      Tone      `json:"tone"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RequestDraft is the help request form. An empty ID creates a new request.
type RequestDraft struct {
	ID           string             `json:"id,omitempty"`
	OriginalText string             `json:"originalText"`
	PolishedText string             `json:"polishedText,omitempty"`
	Category     community.Category `json:"category,omitempty"`
	Emoji        string             `json:"emoji,omitempty"`
	Author       string             `json:"author,omitempty"`
	ImageURL     string             `json:"imageUrl,omitempty"`
}

// KindnessDraft is the kindness form. An empty AIResponse is filled by a celebration.
type KindnessDraft struct {
	Action     string `json:"action"`
	AIResponse string `json:"aiResponse,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
}

// State is a point-in-time copy of the view model.
type State struct {
	Version         int64                     `json:"version"`
	AuthLoading     bool                      `json:"authLoading"`
	User            *community.UserProfile    `json:"user"`
	Requests        []community.HelpRequest   `json:"requests"`
	KindnessEntries []community.KindnessEntry `json:"kindnessEntries"`
	RequestsLoading bool                      `json:"requestsLoading"`
	KindnessLoading bool                      `json:"kindnessLoading"`
	Saving          bool                      `json:"saving"`
	Banner          *Banner                   `json:"banner"`
	OpenCount       int                       `json:"openCount"`
	MatchedCount    int                       `json:"matchedCount"`
	KindnessCount   int                       `json:"kindnessCount"`
	RequestDraft    *RequestDraft             `json:"requestDraft,omitempty"`
	KindnessDraft   *KindnessDraft            `json:"kindnessDraft,omitempty"`
}

// model is the mutable state guarded by Controller.mu. Lists are replaced on every snapshot and
// never modified in place, so copies may share them.
type model struct {
	version         int64
	authLoading     bool
	user            *community.UserProfile
	requests        []community.HelpRequest
	kindness        []community.KindnessEntry
	requestsLoading bool
	kindnessLoading bool
	saving          bool
	banner          *Banner
	requestDraft    *RequestDraft
	kindnessDraft   *KindnessDraft
}

func (m *model) snapshot(now time.Time) State {
	state := State{
		Version:         m.version,
		AuthLoading:     m.authLoading,
		User:            cloneUser(m.user),
		Requests:        m.requests,
		KindnessEntries: m.kindness,
		RequestsLoading: m.requestsLoading,
		KindnessLoading: m.kindnessLoading,
		Saving:          m.saving,
		KindnessCount:   len(m.kindness),
	}
	if state.Requests == nil {
		state.Requests = []community.HelpRequest{}
	}
	if state.KindnessEntries == nil {
		state.KindnessEntries = []community.KindnessEntry{}
	}
	for _, request := range m.requests {
		switch request.Status {
		case community.StatusOpen:
			state.OpenCount++
		case community.StatusMatched:
			state.MatchedCount++
		}
	}
	if m.banner != nil && now.Before(m.banner.ExpiresAt) {
		banner := *m.banner
		state.Banner = &banner
	}
	if m.requestDraft != nil {
		draft := *m.requestDraft
		state.RequestDraft = &draft
	}
	if m.kindnessDraft != nil {
		draft := *m.kindnessDraft
		state.KindnessDraft = &draft
	}
	return state
}

func cloneUser(user *community.UserProfile) *community.UserProfile {
	if user == nil {
		return nil
	}
	copied := *user
	return &copied
}

func uidOf(user *community.UserProfile) string {
	if user == nil {
		return ""
	}
	return user.UID
}

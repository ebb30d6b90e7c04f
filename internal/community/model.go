package community

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty, too long, or unsafe as a scope key.
	ErrInvalidUserID = errors.New("community: invalid user id")
	// ErrInvalidRequestID indicates that a help request identifier is empty or exceeds storage bounds.
	ErrInvalidRequestID = errors.New("community: invalid request id")
)

// Category classifies a help request.
type Category string

const (
	CategoryPhysical  Category = "Physical"
	CategorySocial    Category = "Social"
	CategorySchool    Category = "School"
	CategoryCommunity Category = "Community"
	CategoryOther     Category = "Other"
)

// Categories lists the accepted categories in display order.
var Categories = []Category{CategoryPhysical, CategorySocial, CategorySchool, CategoryCommunity, CategoryOther}

// ParseCategory maps arbitrary input onto the fixed enumeration, coercing unknown values to Other.
// Matching ignores case and surrounding whitespace.
func ParseCategory(raw string) Category {
	trimmed := strings.TrimSpace(raw)
	for _, category := range Categories {
		if strings.EqualFold(trimmed, string(category)) {
			return category
		}
	}
	return CategoryOther
}

// Status tracks whether a help request still needs a helper.
type Status string

const (
	StatusOpen    Status = "Open"
	StatusMatched Status = "Matched"
)

// ParseStatus coerces unknown values to Open. Matched is terminal.
func ParseStatus(raw string) Status {
	if strings.EqualFold(strings.TrimSpace(raw), string(StatusMatched)) {
		return StatusMatched
	}
	return StatusOpen
}

const (
	// DefaultEmoji tags requests that carry no emoji of their own.
	DefaultEmoji = "📝"
	// DefaultAuthor is shown for requests whose author was never recorded.
	DefaultAuthor = "Anonymous"
	// DefaultDisplayName is used when neither a display name nor an email is available.
	DefaultDisplayName = "HelperBee"
)

// HelpRequest is a community-visible ask.
type HelpRequest struct {
	ID             string    `json:"id"`
	OriginalText   string    `json:"originalText"`
	PolishedText   string    `json:"polishedText"`
	Category       Category  `json:"category"`
	Status         Status    `json:"status"`
	Author         string    `json:"author"`
	AuthorID       string    `json:"authorId,omitempty"`
	AuthorPhotoURL string    `json:"authorPhotoUrl,omitempty"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	MatchedBy      string    `json:"matchedBy,omitempty"`
}

// KindnessEntry is a private, per-user log item. Entries are immutable once created.
type KindnessEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	AIResponse string    `json:"aiResponse"`
	Timestamp  time.Time `json:"timestamp"`
	Tags       []string  `json:"tags"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	UserID     string    `json:"userId,omitempty"`
}

// UserProfile mirrors the identity provider's record for a user.
type UserProfile struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// NewHelpRequest is the payload persisted when a request is first posted.
type NewHelpRequest struct {
	OriginalText   string
	PolishedText   string
	Category       Category
	Emoji          string
	Author         string
	AuthorID       string
	AuthorPhotoURL string
	ImageURL       string
}

// Normalized fills derived defaults so that the persisted document honours the model invariants.
func (r NewHelpRequest) Normalized() NewHelpRequest {
	r.OriginalText = strings.TrimSpace(r.OriginalText)
	r.PolishedText = strings.TrimSpace(r.PolishedText)
	if r.PolishedText == "" {
		r.PolishedText = r.OriginalText
	}
	r.Category = ParseCategory(string(r.Category))
	if strings.TrimSpace(r.Emoji) == "" {
		r.Emoji = DefaultEmoji
	}
	if strings.TrimSpace(r.Author) == "" {
		r.Author = DefaultAuthor
	}
	return r
}

// HelpRequestUpdate carries the editable fields of an existing request. Status is not editable here.
type HelpRequestUpdate struct {
	ID string
	NewHelpRequest
}

// NewKindnessEntry is the payload persisted when a kind act is logged.
type NewKindnessEntry struct {
	Action     string
	AIResponse string
	ImageURL   string
}

// NewUserID validates raw input for use as a user scope. Path separators are rejected because the
// identifier becomes part of document paths and collection names.
func NewUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, "/$\x00") {
		return "", fmt.Errorf("%w: contains reserved characters", ErrInvalidUserID)
	}
	return trimmed, nil
}

// NewRequestID validates a help request identifier.
func NewRequestID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRequestID)
	}
	if len(trimmed) > maxIdentifierLength || strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: malformed", ErrInvalidRequestID)
	}
	return trimmed, nil
}

// DisplayNameFor derives the name shown for a profile: the explicit name, else the local part of
// the email, else DefaultDisplayName.
func DisplayNameFor(displayName, email string) string {
	if name := strings.TrimSpace(displayName); name != "" {
		return name
	}
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local != "" {
		return local
	}
	return DefaultDisplayName
}

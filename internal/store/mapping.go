package store

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
)

// Document field names shared by the Firestore and Mongo backends.
const (
	fieldOriginalText   = "originalText"
	fieldPolishedText   = "polishedText"
	fieldCategory       = "category"
	fieldStatus         = "status"
	fieldAuthor         = "author"
	fieldAuthorID       = "authorId"
	fieldAuthorPhotoURL = "authorPhotoUrl"
	fieldEmoji          = "emoji"
	fieldImageURL       = "imageUrl"
	fieldMatchedBy      = "matchedBy"
	fieldCreatedAt      = "createdAt"
	fieldUpdatedAt      = "updatedAt"

	fieldAction     = "action"
	fieldAIResponse = "aiResponse"
	fieldTimestamp  = "timestamp"
	fieldTags       = "tags"
	fieldUserID     = "userId"

	fieldUID         = "uid"
	fieldDisplayName = "displayName"
	fieldEmail       = "email"
	fieldPhotoURL    = "photoURL"
)

// rawHelpRequest holds a help request as read from a backend, before defaults are applied.
// A nil pointer means the field was missing or malformed.
type rawHelpRequest struct {
	ID             string
	OriginalText   *string
	PolishedText   *string
	Category       *string
	Status         *string
	Author         *string
	AuthorID       *string
	AuthorPhotoURL *string
	Emoji          *string
	ImageURL       *string
	MatchedBy      *string
	CreatedAt      *time.Time
	UpdatedAt      *time.Time
}

type rawKindnessEntry struct {
	ID         string
	Action     *string
	AIResponse *string
	ImageURL   *string
	UserID     *string
	Tags       []string
	Timestamp  *time.Time
}

// mapHelpRequest is the single read-side defaulting step for help requests.
func mapHelpRequest(raw rawHelpRequest, now time.Time) community.HelpRequest {
	original := deref(raw.OriginalText)
	polished := deref(raw.PolishedText)
	if strings.TrimSpace(polished) == "" {
		polished = original
	}
	createdAt := timeOr(raw.CreatedAt, now)
	return community.HelpRequest{
		ID:             raw.ID,
		OriginalText:   original,
		PolishedText:   polished,
		Category:       community.ParseCategory(deref(raw.Category)),
		Status:         community.ParseStatus(deref(raw.Status)),
		Author:         nonEmptyOr(deref(raw.Author), community.DefaultAuthor),
		AuthorID:       deref(raw.AuthorID),
		AuthorPhotoURL: deref(raw.AuthorPhotoURL),
		Emoji:          nonEmptyOr(deref(raw.Emoji), community.DefaultEmoji),
		CreatedAt:      createdAt,
		UpdatedAt:      timeOr(raw.UpdatedAt, createdAt),
		ImageURL:       deref(raw.ImageURL),
		MatchedBy:      deref(raw.MatchedBy),
	}
}

// mapKindnessEntry is the single read-side defaulting step for kindness entries.
func mapKindnessEntry(raw rawKindnessEntry, now time.Time) community.KindnessEntry {
	tags := raw.Tags
	if tags == nil {
		tags = []string{}
	}
	return community.KindnessEntry{
		ID:         raw.ID,
		Action:     deref(raw.Action),
		AIResponse: deref(raw.AIResponse),
		Timestamp:  timeOr(raw.Timestamp, now),
		Tags:       tags,
		ImageURL:   deref(raw.ImageURL),
		UserID:     deref(raw.UserID),
	}
}

// helpRequestFields renders the editable fields of a request as a document.
func helpRequestFields(input community.NewHelpRequest) map[string]any {
	return map[string]any{
		fieldOriginalText:   input.OriginalText,
		fieldPolishedText:   input.PolishedText,
		fieldCategory:       string(input.Category),
		fieldEmoji:          input.Emoji,
		fieldAuthor:         input.Author,
		fieldAuthorID:       nullable(input.AuthorID),
		fieldAuthorPhotoURL: nullable(input.AuthorPhotoURL),
		fieldImageURL:       nullable(input.ImageURL),
	}
}

func kindnessEntryFields(userID string, input community.NewKindnessEntry) map[string]any {
	return map[string]any{
		fieldAction:     input.Action,
		fieldAIResponse: input.AIResponse,
		fieldImageURL:   nullable(input.ImageURL),
		fieldUserID:     userID,
		fieldTags:       []string{},
	}
}

func profileFields(profile community.UserProfile) map[string]any {
	return map[string]any{
		fieldUID:         profile.UID,
		fieldDisplayName: nullable(profile.DisplayName),
		fieldEmail:       nullable(profile.Email),
		fieldPhotoURL:    nullable(profile.PhotoURL),
	}
}

// document reads loosely typed fields out of a backend map without trusting their types.
type document map[string]any

func (d document) text(key string) *string {
	value, ok := d[key].(string)
	if !ok {
		return nil
	}
	return &value
}

func (d document) instant(key string) *time.Time {
	switch value := d[key].(type) {
	case time.Time:
		return &value
	case interface{ Time() time.Time }:
		converted := value.Time()
		return &converted
	case int64:
		converted := time.UnixMilli(value)
		return &converted
	case float64:
		converted := time.UnixMilli(int64(value))
		return &converted
	default:
		return nil
	}
}

func (d document) list(key string) []string {
	switch values := d[key].(type) {
	case []string:
		return values
	case nil:
		return nil
	default:
		// Driver array types (e.g. bson primitive.A) are named slices, so match on kind.
		reflected := reflect.ValueOf(values)
		if reflected.Kind() != reflect.Slice {
			return nil
		}
		out := make([]string, 0, reflected.Len())
		for i := 0; i < reflected.Len(); i++ {
			if text, ok := reflected.Index(i).Interface().(string); ok {
				out = append(out, text)
			}
		}
		return out
	}
}

func helpRequestFromDocument(id string, data map[string]any) rawHelpRequest {
	doc := document(data)
	return rawHelpRequest{
		ID:             id,
		OriginalText:   doc.text(fieldOriginalText),
		PolishedText:   doc.text(fieldPolishedText),
		Category:       doc.text(fieldCategory),
		Status:         doc.text(fieldStatus),
		Author:         doc.text(fieldAuthor),
		AuthorID:       doc.text(fieldAuthorID),
		AuthorPhotoURL: doc.text(fieldAuthorPhotoURL),
		Emoji:          doc.text(fieldEmoji),
		ImageURL:       doc.text(fieldImageURL),
		MatchedBy:      doc.text(fieldMatchedBy),
		CreatedAt:      doc.instant(fieldCreatedAt),
		UpdatedAt:      doc.instant(fieldUpdatedAt),
	}
}

func kindnessEntryFromDocument(id string, data map[string]any) rawKindnessEntry {
	doc := document(data)
	return rawKindnessEntry{
		ID:         id,
		Action:     doc.text(fieldAction),
		AIResponse: doc.text(fieldAIResponse),
		ImageURL:   doc.text(fieldImageURL),
		UserID:     doc.text(fieldUserID),
		Tags:       doc.list(fieldTags),
		Timestamp:  doc.instant(fieldTimestamp),
	}
}

func profileFromDocument(uid string, data map[string]any) community.UserProfile {
	doc := document(data)
	return community.UserProfile{
		UID:         uid,
		DisplayName: deref(doc.text(fieldDisplayName)),
		Email:       deref(doc.text(fieldEmail)),
		PhotoURL:    deref(doc.text(fieldPhotoURL)),
	}
}

// documentID renders a backend identifier (string or driver-specific id type) as text.
func documentID(value any) string {
	switch id := value.(type) {
	case string:
		return id
	case interface{ Hex() string }:
		return id.Hex()
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func nonEmptyOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func timeOr(value *time.Time, fallback time.Time) time.Time {
	if value == nil || value.IsZero() {
		return fallback.UTC()
	}
	return value.UTC()
}

// nullable stores empty optional strings as null.
func nullable(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

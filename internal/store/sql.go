package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// HelpRequestRecord is the relational shape of a help request. Text columns are nullable so that
// partially written rows still load through the defaulting mapper.
type HelpRequestRecord struct {
	ID              string  `gorm:"column:id;primaryKey;size:64;not null"`
	OriginalText    *string `gorm:"column:original_text;type:text"`
	PolishedText    *string `gorm:"column:polished_text;type:text"`
	Category        *string `gorm:"column:category;size:32"`
	Status          *string `gorm:"column:status;size:16"`
	Author          *string `gorm:"column:author;size:320"`
	AuthorID        *string `gorm:"column:author_id;size:190"`
	AuthorPhotoURL  *string `gorm:"column:author_photo_url;type:text"`
	Emoji           *string `gorm:"column:emoji;size:32"`
	ImageURL        *string `gorm:"column:image_url;type:text"`
	MatchedBy       *string `gorm:"column:matched_by;size:320"`
	CreatedAtMillis *int64  `gorm:"column:created_at_ms;index:idx_help_requests_created"`
	UpdatedAtMillis *int64  `gorm:"column:updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (HelpRequestRecord) TableName() string {
	return "help_requests"
}

// KindnessEntryRecord stores one kindness entry. The owning user is part of the primary key.
type KindnessEntryRecord struct {
	UserID          string   `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_kindness_user_time,priority:1"`
	ID              string   `gorm:"column:id;primaryKey;size:64;not null"`
	Action          *string  `gorm:"column:action;type:text"`
	AIResponse      *string  `gorm:"column:ai_response;type:text"`
	ImageURL        *string  `gorm:"column:image_url;type:text"`
	Tags            []string `gorm:"column:tags;serializer:json"`
	TimestampMillis *int64   `gorm:"column:timestamp_ms;index:idx_kindness_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (KindnessEntryRecord) TableName() string {
	return "kindness_entries"
}

// UserProfileRecord mirrors the identity provider's profile, one row per uid.
type UserProfileRecord struct {
	UID             string  `gorm:"column:uid;primaryKey;size:190;not null"`
	DisplayName     *string `gorm:"column:display_name;size:320"`
	Email           *string `gorm:"column:email;size:320"`
	PhotoURL        *string `gorm:"column:photo_url;type:text"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserProfileRecord) TableName() string {
	return "user_profiles"
}

// SQLConfig describes the dependencies of the relational backend.
type SQLConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Dispatcher *feed.Dispatcher
	Logger     *zap.Logger
}

// SQLStore implements Store on a GORM database. Change notification runs through an in-process
// feed, so subscribers only observe writes made through the same SQLStore.
type SQLStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	dispatcher *feed.Dispatcher
	logger     *zap.Logger
	subs       *subscriptionSet
	stamps     *stamper
}

// NewSQLStore constructs the relational backend. The schema must already be migrated.
func NewSQLStore(cfg SQLConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("store: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("store: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = feed.NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	s := &SQLStore{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		dispatcher: dispatcher,
		logger:     logger,
		subs:       newSubscriptionSet(),
	}

	var latest int64
	if err := cfg.Database.Model(&HelpRequestRecord{}).
		Select("COALESCE(MAX(created_at_ms), 0)").
		Scan(&latest).Error; err != nil {
		return nil, fmt.Errorf("store: load latest timestamp: %w", err)
	}
	s.stamps = newStamper(clock, latest)
	return s, nil
}

func (s *SQLStore) nextStamp() int64 {
	return s.stamps.next()
}

func (s *SQLStore) SubscribeToRequests(ctx context.Context, onChange func([]community.HelpRequest), onError func(error)) (Unsubscribe, error) {
	if s.subs.isClosed() {
		return nil, newReadError(opSubscribeRequests, "closed", ErrClosed)
	}
	sub := feed.Watch(ctx, s.dispatcher, requestsTopic(), s.listHelpRequests, onChange,
		readErrorReporter(s.logger, opSubscribeRequests, onError))
	unsubscribe, ok := s.subs.add(sub)
	if !ok {
		return nil, newReadError(opSubscribeRequests, "closed", ErrClosed)
	}
	return unsubscribe, nil
}

func (s *SQLStore) listHelpRequests(ctx context.Context) ([]community.HelpRequest, error) {
	var records []HelpRequestRecord
	if err := s.db.WithContext(ctx).
		Order("created_at_ms DESC").
		Order("id DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	now := s.clock()
	requests := make([]community.HelpRequest, 0, len(records))
	for _, record := range records {
		requests = append(requests, mapHelpRequest(record.raw(), now))
	}
	return requests, nil
}

func (s *SQLStore) CreateHelpRequest(ctx context.Context, input community.NewHelpRequest) (string, error) {
	normalized, err := validateHelpRequest(input)
	if err != nil {
		return "", newWriteError(opCreateHelpRequest, "invalid_input", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		logStoreError(s.logger, opCreateHelpRequest, "id_generation_failed", err)
		return "", newWriteError(opCreateHelpRequest, "id_generation_failed", err)
	}
	stamp := s.nextStamp()
	status := string(community.StatusOpen)
	record := HelpRequestRecord{
		ID:              id,
		OriginalText:    &normalized.OriginalText,
		PolishedText:    &normalized.PolishedText,
		Category:        textPtr(string(normalized.Category)),
		Status:          &status,
		Author:          &normalized.Author,
		AuthorID:        nullableText(normalized.AuthorID),
		AuthorPhotoURL:  nullableText(normalized.AuthorPhotoURL),
		Emoji:           &normalized.Emoji,
		ImageURL:        nullableText(normalized.ImageURL),
		CreatedAtMillis: &stamp,
		UpdatedAtMillis: &stamp,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		logStoreError(s.logger, opCreateHelpRequest, "insert_failed", err, zap.String("request_id", id))
		return "", newWriteError(opCreateHelpRequest, "insert_failed", err)
	}
	s.dispatcher.Publish(requestsTopic())
	return id, nil
}

func (s *SQLStore) UpdateHelpRequest(ctx context.Context, input community.HelpRequestUpdate) error {
	id, err := community.NewRequestID(input.ID)
	if err != nil {
		return newWriteError(opUpdateHelpRequest, "invalid_id", err)
	}
	normalized, err := validateHelpRequest(input.NewHelpRequest)
	if err != nil {
		return newWriteError(opUpdateHelpRequest, "invalid_input", err)
	}
	updates := map[string]any{
		"original_text":    normalized.OriginalText,
		"polished_text":    normalized.PolishedText,
		"category":         string(normalized.Category),
		"emoji":            normalized.Emoji,
		"author":           normalized.Author,
		"author_id":        nullableText(normalized.AuthorID),
		"author_photo_url": nullableText(normalized.AuthorPhotoURL),
		"image_url":        nullableText(normalized.ImageURL),
		"updated_at_ms":    s.nextStamp(),
	}
	result := s.db.WithContext(ctx).
		Model(&HelpRequestRecord{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		logStoreError(s.logger, opUpdateHelpRequest, "update_failed", result.Error, zap.String("request_id", id))
		return newWriteError(opUpdateHelpRequest, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newWriteError(opUpdateHelpRequest, "not_found", ErrNotFound)
	}
	s.dispatcher.Publish(requestsTopic())
	return nil
}

func (s *SQLStore) MarkHelpRequestMatched(ctx context.Context, id, helperName string) error {
	requestID, err := community.NewRequestID(id)
	if err != nil {
		return newWriteError(opMarkMatched, "invalid_id", err)
	}
	updates := map[string]any{
		"status":        string(community.StatusMatched),
		"matched_by":    nullableText(helperName),
		"updated_at_ms": s.nextStamp(),
	}
	result := s.db.WithContext(ctx).
		Model(&HelpRequestRecord{}).
		Where("id = ? AND (status IS NULL OR status <> ?)", requestID, string(community.StatusMatched)).
		Updates(updates)
	if result.Error != nil {
		logStoreError(s.logger, opMarkMatched, "update_failed", result.Error, zap.String("request_id", requestID))
		return newWriteError(opMarkMatched, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.dispatcher.Publish(requestsTopic())
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&HelpRequestRecord{}).
		Where("id = ?", requestID).
		Count(&count).Error; err != nil {
		logStoreError(s.logger, opMarkMatched, "lookup_failed", err, zap.String("request_id", requestID))
		return newWriteError(opMarkMatched, "lookup_failed", err)
	}
	if count == 0 {
		return newWriteError(opMarkMatched, "not_found", ErrNotFound)
	}
	// Already matched: the first attribution stands.
	return nil
}

func (s *SQLStore) SubscribeToKindnessEntries(ctx context.Context, userID string, onChange func([]community.KindnessEntry), onError func(error)) (Unsubscribe, error) {
	owner, err := community.NewUserID(userID)
	if err != nil {
		return nil, newReadError(opSubscribeKindness, "invalid_user_id", err)
	}
	if s.subs.isClosed() {
		return nil, newReadError(opSubscribeKindness, "closed", ErrClosed)
	}
	load := func(ctx context.Context) ([]community.KindnessEntry, error) {
		return s.listKindnessEntries(ctx, owner)
	}
	sub := feed.Watch(ctx, s.dispatcher, kindnessTopic(owner), load, onChange,
		readErrorReporter(s.logger, opSubscribeKindness, onError))
	unsubscribe, ok := s.subs.add(sub)
	if !ok {
		return nil, newReadError(opSubscribeKindness, "closed", ErrClosed)
	}
	return unsubscribe, nil
}

func (s *SQLStore) listKindnessEntries(ctx context.Context, userID string) ([]community.KindnessEntry, error) {
	var records []KindnessEntryRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp_ms DESC").
		Order("id DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	now := s.clock()
	entries := make([]community.KindnessEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, mapKindnessEntry(record.raw(), now))
	}
	return entries, nil
}

func (s *SQLStore) CreateKindnessEntry(ctx context.Context, userID string, input community.NewKindnessEntry) error {
	if userID == "" {
		return nil
	}
	owner, err := community.NewUserID(userID)
	if err != nil {
		return newWriteError(opCreateKindnessEntry, "invalid_user_id", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		logStoreError(s.logger, opCreateKindnessEntry, "id_generation_failed", err)
		return newWriteError(opCreateKindnessEntry, "id_generation_failed", err)
	}
	stamp := s.nextStamp()
	record := KindnessEntryRecord{
		UserID:          owner,
		ID:              id,
		Action:          textPtr(input.Action),
		AIResponse:      textPtr(input.AIResponse),
		ImageURL:        nullableText(input.ImageURL),
		Tags:            []string{},
		TimestampMillis: &stamp,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		logStoreError(s.logger, opCreateKindnessEntry, "insert_failed", err, zap.String("user_id", owner))
		return newWriteError(opCreateKindnessEntry, "insert_failed", err)
	}
	s.dispatcher.Publish(kindnessTopic(owner))
	return nil
}

func (s *SQLStore) UpsertUserProfile(ctx context.Context, profile community.UserProfile) error {
	uid, err := community.NewUserID(profile.UID)
	if err != nil {
		return newWriteError(opUpsertUserProfile, "invalid_uid", err)
	}
	now := s.clock().UTC().UnixMilli()
	record := UserProfileRecord{
		UID:             uid,
		DisplayName:     nullableText(profile.DisplayName),
		Email:           nullableText(profile.Email),
		PhotoURL:        nullableText(profile.PhotoURL),
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "email", "photo_url", "updated_at_ms"}),
		}).
		Create(&record).Error
	if err != nil {
		logStoreError(s.logger, opUpsertUserProfile, "upsert_failed", err, zap.String("uid", uid))
		return newWriteError(opUpsertUserProfile, "upsert_failed", err)
	}
	return nil
}

func (s *SQLStore) GetUserProfile(ctx context.Context, uid string) (community.UserProfile, error) {
	var record UserProfileRecord
	err := s.db.WithContext(ctx).Where("uid = ?", uid).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return community.UserProfile{}, newReadError(opGetUserProfile, "not_found", ErrNotFound)
	}
	if err != nil {
		return community.UserProfile{}, newReadError(opGetUserProfile, "query_failed", err)
	}
	return community.UserProfile{
		UID:         record.UID,
		DisplayName: deref(record.DisplayName),
		Email:       deref(record.Email),
		PhotoURL:    deref(record.PhotoURL),
	}, nil
}

// Close tears down every live subscription. The database handle stays owned by the caller.
func (s *SQLStore) Close() error {
	s.subs.closeAll()
	return nil
}

func (r HelpRequestRecord) raw() rawHelpRequest {
	return rawHelpRequest{
		ID:             r.ID,
		OriginalText:   r.OriginalText,
		PolishedText:   r.PolishedText,
		Category:       r.Category,
		Status:         r.Status,
		Author:         r.Author,
		AuthorID:       r.AuthorID,
		AuthorPhotoURL: r.AuthorPhotoURL,
		Emoji:          r.Emoji,
		ImageURL:       r.ImageURL,
		MatchedBy:      r.MatchedBy,
		CreatedAt:      millisToTime(r.CreatedAtMillis),
		UpdatedAt:      millisToTime(r.UpdatedAtMillis),
	}
}

func (r KindnessEntryRecord) raw() rawKindnessEntry {
	return rawKindnessEntry{
		ID:         r.ID,
		Action:     r.Action,
		AIResponse: r.AIResponse,
		ImageURL:   r.ImageURL,
		UserID:     &r.UserID,
		Tags:       r.Tags,
		Timestamp:  millisToTime(r.TimestampMillis),
	}
}

func millisToTime(value *int64) *time.Time {
	if value == nil || *value <= 0 {
		return nil
	}
	converted := time.UnixMilli(*value).UTC()
	return &converted
}

func textPtr(value string) *string {
	return &value
}

func nullableText(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/feed"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports a write or read against a document that does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrClosed reports an operation on a store that has been closed.
	ErrClosed = errors.New("store: closed")
	// ErrInvalidInput reports a payload that violates the model invariants before it reaches the backend.
	ErrInvalidInput = errors.New("store: invalid input")

	noOpLogger = zap.NewNop()
)

const (
	opCreateHelpRequest   = "store.create_help_request"
	opUpdateHelpRequest   = "store.update_help_request"
	opMarkMatched         = "store.mark_help_request_matched"
	opCreateKindnessEntry = "store.create_kindness_entry"
	opUpsertUserProfile   = "store.upsert_user_profile"
	opGetUserProfile      = "store.get_user_profile"
	opSubscribeRequests   = "store.subscribe_requests"
	opSubscribeKindness   = "store.subscribe_kindness_entries"
	opEnsureIndexes       = "store.ensure_indexes"
)

// Unsubscribe tears down a live query. It is synchronous: once it returns no further callback runs.
// It must not be called from inside the subscription's own callbacks.
type Unsubscribe func()

// Store is the remote document store contract. Every backend is last-write-wins.
type Store interface {
	// SubscribeToRequests streams all help requests, newest first, on initial load and after every change.
	SubscribeToRequests(ctx context.Context, onChange func([]community.HelpRequest), onError func(error)) (Unsubscribe, error)
	// CreateHelpRequest persists a new Open request and returns its store-assigned identifier.
	CreateHelpRequest(ctx context.Context, input community.NewHelpRequest) (string, error)
	// UpdateHelpRequest merges the editable fields into an existing request. Status is untouched.
	UpdateHelpRequest(ctx context.Context, input community.HelpRequestUpdate) error
	// MarkHelpRequestMatched moves a request to Matched. Repeated calls keep the first attribution.
	MarkHelpRequestMatched(ctx context.Context, id, helperName string) error
	// SubscribeToKindnessEntries streams one user's kindness log, newest first.
	SubscribeToKindnessEntries(ctx context.Context, userID string, onChange func([]community.KindnessEntry), onError func(error)) (Unsubscribe, error)
	// CreateKindnessEntry appends to the user's log. An empty userID is a silent no-op.
	CreateKindnessEntry(ctx context.Context, userID string, input community.NewKindnessEntry) error
	// UpsertUserProfile merges the profile document keyed by uid.
	UpsertUserProfile(ctx context.Context, profile community.UserProfile) error
	// GetUserProfile loads a profile document.
	GetUserProfile(ctx context.Context, uid string) (community.UserProfile, error)
	Close() error
}

// WriteError reports a rejected persistence operation.
type WriteError struct {
	code string
	err  error
}

func (e *WriteError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *WriteError) Unwrap() error {
	return e.err
}

func (e *WriteError) Code() string {
	return e.code
}

// ReadError reports a failed subscription setup or read.
type ReadError struct {
	code string
	err  error
}

func (e *ReadError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ReadError) Unwrap() error {
	return e.err
}

func (e *ReadError) Code() string {
	return e.code
}

func newWriteError(operation, reason string, cause error) error {
	return &WriteError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func newReadError(operation, reason string, cause error) error {
	return &ReadError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Topic names the change feed for a collection.
func requestsTopic() string {
	return "requests"
}

func kindnessTopic(userID string) string {
	return "users/" + userID + "/kindnessEntries"
}

func logStoreError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("store error", attrs...)
}

// readErrorReporter wraps per-snapshot failures so subscribers see a ReadError.
func readErrorReporter(logger *zap.Logger, operation string, onError func(error)) func(error) {
	return func(err error) {
		logStoreError(logger, operation, "snapshot_failed", err)
		if onError != nil {
			onError(newReadError(operation, "snapshot_failed", err))
		}
	}
}

func validateHelpRequest(input community.NewHelpRequest) (community.NewHelpRequest, error) {
	normalized := input.Normalized()
	if normalized.OriginalText == "" {
		return community.NewHelpRequest{}, fmt.Errorf("%w: original text is required", ErrInvalidInput)
	}
	return normalized, nil
}

// subscriptionSet tracks live subscriptions so Close can tear them all down.
type subscriptionSet struct {
	mu     sync.Mutex
	closed bool
	items  map[*feed.Subscription]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: make(map[*feed.Subscription]struct{})}
}

// add registers sub and returns its unsubscribe handle. It reports false when the set is closed.
func (s *subscriptionSet) add(sub *feed.Subscription) (Unsubscribe, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Cancel()
		return nil, false
	}
	s.items[sub] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.items, sub)
		s.mu.Unlock()
		sub.Cancel()
	}, true
}

func (s *subscriptionSet) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscriptionSet) closeAll() {
	s.mu.Lock()
	s.closed = true
	items := make([]*feed.Subscription, 0, len(s.items))
	for sub := range s.items {
		items = append(items, sub)
	}
	s.items = make(map[*feed.Subscription]struct{})
	s.mu.Unlock()
	for _, sub := range items {
		sub.Cancel()
	}
}

// stamper issues strictly increasing unix-millisecond timestamps so newest-first ordering is total.
type stamper struct {
	mu    sync.Mutex
	clock func() time.Time
	last  int64
}

func newStamper(clock func() time.Time, last int64) *stamper {
	return &stamper{clock: clock, last: last}
}

func (s *stamper) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC().UnixMilli()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}

package hive

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const waitFor = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	controller *Controller
	store      *store.SQLStore
	dispatcher *feed.Dispatcher
	database   *gorm.DB
}

type harnessOptions struct {
	generator Generator
	wrapStore func(*store.SQLStore) Store
	clock     func() time.Time
	bannerTTL time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "hive.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(
		&store.HelpRequestRecord{},
		&store.KindnessEntryRecord{},
		&store.UserProfileRecord{},
		&identity.Account{},
		&identity.Link{},
	))

	dispatcher := feed.NewDispatcher()
	sqlStore, err := store.NewSQLStore(store.SQLConfig{
		Database:   database,
		IDProvider: store.NewUUIDProvider(),
		Dispatcher: dispatcher,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	directory, err := identity.NewDirectory(identity.DirectoryConfig{Database: database, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	provider, err := identity.NewProvider(identity.ProviderConfig{Directory: directory, Profiles: sqlStore})
	require.NoError(t, err)
	session := provider.NewSession()
	t.Cleanup(session.Close)

	generator := opts.generator
	if generator == nil {
		generator = generation.NewClient(generation.ClientConfig{})
	}
	var backing Store = sqlStore
	if opts.wrapStore != nil {
		backing = opts.wrapStore(sqlStore)
	}
	controller, err := New(Config{
		Identity:  session,
		Store:     backing,
		Generator: generator,
		Clock:     opts.clock,
		BannerTTL: opts.bannerTTL,
	})
	require.NoError(t, err)
	t.Cleanup(controller.Close)

	return &harness{controller: controller, store: sqlStore, dispatcher: dispatcher, database: database}
}

func (h *harness) await(t *testing.T, description string, predicate func(State) bool) State {
	t.Helper()
	var last State
	require.Eventuallyf(t, func() bool {
		last = h.controller.Snapshot()
		return predicate(last)
	}, waitFor, 5*time.Millisecond, "state never satisfied: %s", description)
	return last
}

func (h *harness) signIn(t *testing.T, email string) State {
	t.Helper()
	h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })
	require.NoError(t, h.controller.SignInWithPassword(context.Background(), email, "pw123456", ""))
	return h.await(t, "signed in and loaded", func(s State) bool {
		return s.User != nil && s.User.Email == email && !s.RequestsLoading && !s.KindnessLoading
	})
}

func (h *harness) count(t *testing.T, model any) int64 {
	t.Helper()
	var total int64
	require.NoError(t, h.database.Model(model).Count(&total).Error)
	return total
}

// gatedGenerator blocks every call until release is closed.
type gatedGenerator struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	inner   *generation.Client
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		inner:   generation.NewClient(generation.ClientConfig{}),
	}
}

func (g *gatedGenerator) wait(ctx context.Context) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gatedGenerator) PolishRequestText(ctx context.Context, raw string) generation.PolishedRequest {
	g.wait(ctx)
	return g.inner.PolishRequestText(ctx, raw)
}

func (g *gatedGenerator) Celebrate(ctx context.Context, action string) string {
	g.wait(ctx)
	return g.inner.Celebrate(ctx, action)
}

type rejectingStore struct {
	*store.SQLStore
}

func (rejectingStore) CreateHelpRequest(context.Context, community.NewHelpRequest) (string, error) {
	return "", errors.New("permission denied")
}

func TestBootResolvesToSignedOut(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	state := h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })
	require.Nil(t, state.User)
	require.Empty(t, state.Requests)
	require.NotNil(t, state.Requests)
	require.False(t, state.RequestsLoading)
	require.False(t, state.KindnessLoading)
}

func TestWritesRequireSignIn(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })
	ctx := context.Background()

	err := h.controller.SaveRequest(ctx, RequestDraft{OriginalText: "need help tying shoes"})
	require.ErrorIs(t, err, ErrNotSignedIn)
	state := h.controller.Snapshot()
	require.NotNil(t, state.Banner)
	require.Equal(t, "Please sign in to post to the hive.", state.Banner.Message)
	require.False(t, state.Saving)

	require.ErrorIs(t, h.controller.LogKindness(ctx, KindnessDraft{Action: "shared lunch"}), ErrNotSignedIn)
	require.ErrorIs(t, h.controller.MarkMatched(ctx, "some-id"), ErrNotSignedIn)
	require.Zero(t, h.count(t, &store.HelpRequestRecord{}))
	require.Zero(t, h.count(t, &store.KindnessEntryRecord{}))
}

func TestSaveRequestWithGenerationUnavailable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.signIn(t, "a@b.com")

	require.NoError(t, h.controller.SaveRequest(context.Background(), RequestDraft{OriginalText: "need help tying shoes"}))
	state := h.await(t, "request listed", func(s State) bool { return len(s.Requests) == 1 })

	request := state.Requests[0]
	require.Equal(t, "need help tying shoes", request.PolishedText)
	require.Equal(t, community.CategoryOther, request.Category)
	require.Equal(t, community.StatusOpen, request.Status)
	require.Equal(t, community.DefaultEmoji, request.Emoji)
	require.Equal(t, "a", request.Author)
	require.Equal(t, state.User.UID, request.AuthorID)
	require.Equal(t, 1, state.OpenCount)
	require.False(t, state.Saving)
	require.Nil(t, state.RequestDraft)
	require.Equal(t, "Request posted to the hive", state.Banner.Message)
}

func TestUpdateAndMatchRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.signIn(t, "kid@example.com")
	ctx := context.Background()

	require.NoError(t, h.controller.SaveRequest(ctx, RequestDraft{
		OriginalText: "carry books",
		PolishedText: "Could someone help me carry my books?",
		Category:     community.CategoryPhysical,
		Emoji:        "📚",
	}))
	state := h.await(t, "request listed", func(s State) bool { return len(s.Requests) == 1 })
	id := state.Requests[0].ID

	require.NoError(t, h.controller.SaveRequest(ctx, RequestDraft{
		ID:           id,
		OriginalText: "carry books to class",
		PolishedText: "Could someone help me carry my books to class?",
		Category:     community.CategoryPhysical,
	}))
	state = h.await(t, "request updated", func(s State) bool {
		return len(s.Requests) == 1 && s.Requests[0].OriginalText == "carry books to class"
	})
	require.Equal(t, "Request updated", state.Banner.Message)

	require.NoError(t, h.controller.MarkMatched(ctx, id))
	state = h.await(t, "request matched", func(s State) bool { return s.MatchedCount == 1 })
	require.Zero(t, state.OpenCount)
	require.Equal(t, "kid", state.Requests[0].MatchedBy)
	require.Equal(t, "Thanks for matching up!", state.Banner.Message)
}

func TestLogKindnessUsesCelebration(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.signIn(t, "kid@example.com")

	require.NoError(t, h.controller.LogKindness(context.Background(), KindnessDraft{Action: "shared my lunch"}))
	state := h.await(t, "entry listed", func(s State) bool { return s.KindnessCount == 1 })
	require.Equal(t, "shared my lunch", state.KindnessEntries[0].Action)
	require.Equal(t, generation.FallbackCelebration, state.KindnessEntries[0].AIResponse)
	require.Equal(t, "Kindness saved - high five!", state.Banner.Message)
}

func TestSignOutClearsListsAndSubscriptions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.signIn(t, "kid@example.com")
	ctx := context.Background()
	require.NoError(t, h.controller.LogKindness(ctx, KindnessDraft{Action: "held the door", AIResponse: "Nice!"}))
	h.await(t, "entry listed", func(s State) bool { return s.KindnessCount == 1 })
	require.Equal(t, 1, h.dispatcher.SubscriberCount("requests"))

	require.NoError(t, h.controller.SignOut(ctx))
	state := h.await(t, "signed out", func(s State) bool { return s.User == nil })
	require.Empty(t, state.Requests)
	require.Empty(t, state.KindnessEntries)
	require.False(t, state.RequestsLoading)
	require.False(t, state.KindnessLoading)
	require.Zero(t, state.KindnessCount)
	require.Equal(t, "Signed out. See you soon!", state.Banner.Message)
	require.Eventually(t, func() bool { return h.dispatcher.SubscriberCount("requests") == 0 }, waitFor, 5*time.Millisecond)
}

func TestSwitchingUsersRescopesKindness(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.signIn(t, "one@example.com")
	require.NoError(t, h.controller.LogKindness(context.Background(), KindnessDraft{Action: "fed the cat", AIResponse: "Purrfect!"}))
	h.await(t, "entry listed", func(s State) bool { return s.KindnessCount == 1 })

	state := h.signIn(t, "two@example.com")
	require.Empty(t, state.KindnessEntries)
}

func TestConcurrentWriteIsRejected(t *testing.T) {
	generator := newGatedGenerator()
	h := newHarness(t, harnessOptions{generator: generator})
	h.signIn(t, "kid@example.com")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.controller.SaveRequest(ctx, RequestDraft{OriginalText: "fix my bike"}) }()
	<-generator.entered
	require.True(t, h.controller.Snapshot().Saving)

	require.ErrorIs(t, h.controller.LogKindness(ctx, KindnessDraft{Action: "x"}), ErrSaveInProgress)

	close(generator.release)
	require.NoError(t, <-done)
	h.await(t, "saving cleared", func(s State) bool { return !s.Saving && len(s.Requests) == 1 })
}

func TestWriteAfterSignOutIsDiscarded(t *testing.T) {
	generator := newGatedGenerator()
	h := newHarness(t, harnessOptions{generator: generator})
	h.signIn(t, "kid@example.com")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.controller.LogKindness(ctx, KindnessDraft{Action: "helped a friend"}) }()
	<-generator.entered

	require.NoError(t, h.controller.SignOut(ctx))
	h.await(t, "signed out", func(s State) bool { return s.User == nil })

	close(generator.release)
	require.NoError(t, <-done)
	state := h.await(t, "saving cleared", func(s State) bool { return !s.Saving })
	require.Equal(t, "Signed out. See you soon!", state.Banner.Message)
	require.Zero(t, h.count(t, &store.KindnessEntryRecord{}))
}

func TestFailedWriteKeepsDraft(t *testing.T) {
	h := newHarness(t, harnessOptions{wrapStore: func(s *store.SQLStore) Store { return rejectingStore{s} }})
	h.signIn(t, "kid@example.com")

	err := h.controller.SaveRequest(context.Background(), RequestDraft{OriginalText: "walk my dog", PolishedText: "Can someone walk my dog?"})
	require.Error(t, err)

	state := h.controller.Snapshot()
	require.False(t, state.Saving)
	require.Equal(t, "Could not save the request. Try again.", state.Banner.Message)
	require.Equal(t, ToneError, state.Banner.Tone)
	require.NotNil(t, state.RequestDraft)
	require.Equal(t, "walk my dog", state.RequestDraft.OriginalText)
}

func TestSignInFailureSetsBanner(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.signIn(t, "kid@example.com")
	ctx := context.Background()
	require.NoError(t, h.controller.SignOut(ctx))
	h.await(t, "signed out", func(s State) bool { return s.User == nil })

	err := h.controller.SignInWithPassword(ctx, "kid@example.com", "not-the-password", "")
	require.Equal(t, identity.CodeWrongPassword, identity.CodeOf(err))
	state := h.controller.Snapshot()
	require.False(t, state.AuthLoading)
	require.Equal(t, "Could not sign in. Double-check your details.", state.Banner.Message)

	require.ErrorIs(t, h.controller.SignInWithPassword(ctx, " ", "", ""), ErrInvalidDraft)
	require.Equal(t, "Please add an email and password.", h.controller.Snapshot().Banner.Message)

	require.Error(t, h.controller.SignInWithFederated(ctx, "id-token"))
	require.Equal(t, "Google sign-in failed. Try again?", h.controller.Snapshot().Banner.Message)
}

func TestBannerExpiresAndDismisses(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, harnessOptions{clock: clock, bannerTTL: time.Minute})
	h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })

	require.ErrorIs(t, h.controller.MarkMatched(context.Background(), "abc"), ErrNotSignedIn)
	require.NotNil(t, h.controller.Snapshot().Banner)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	require.Nil(t, h.controller.Snapshot().Banner)

	require.ErrorIs(t, h.controller.MarkMatched(context.Background(), "abc"), ErrNotSignedIn)
	require.NotNil(t, h.controller.Snapshot().Banner)
	h.controller.DismissBanner()
	require.Nil(t, h.controller.Snapshot().Banner)
}

func TestChangesSignalObservers(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })

	events, stop := h.controller.Changes(context.Background())
	defer stop()
	before := h.controller.Snapshot().Version

	h.controller.DismissBanner()
	require.ErrorIs(t, h.controller.SaveRequest(context.Background(), RequestDraft{OriginalText: "hi"}), ErrNotSignedIn)
	select {
	case <-events:
	case <-time.After(waitFor):
		t.Fatal("expected change signal")
	}
	require.Greater(t, h.controller.Snapshot().Version, before)
}

func TestCloseTearsDownSubscriptions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.signIn(t, "kid@example.com")
	require.Equal(t, 1, h.dispatcher.SubscriberCount("requests"))

	h.controller.Close()
	h.controller.Close()
	require.Zero(t, h.dispatcher.SubscriberCount("requests"))
	require.ErrorIs(t, h.controller.SaveRequest(context.Background(), RequestDraft{OriginalText: "late"}), ErrClosed)
}

// scriptedStore holds back or fails live queries so each loading flag can be observed on its own.
type scriptedStore struct {
	*store.SQLStore

	holdRequests     bool
	holdKindness     bool
	kindnessRelease  chan struct{}
	kindnessSubError error

	mu              sync.Mutex
	requestsChange  func([]community.HelpRequest)
	requestsError   func(error)
	kindnessChange  func([]community.KindnessEntry)
	kindnessOnError func(error)
}

func (s *scriptedStore) SubscribeToRequests(ctx context.Context, onChange func([]community.HelpRequest), onError func(error)) (store.Unsubscribe, error) {
	s.mu.Lock()
	s.requestsChange, s.requestsError = onChange, onError
	s.mu.Unlock()
	if s.holdRequests {
		return func() {}, nil
	}
	return s.SQLStore.SubscribeToRequests(ctx, onChange, onError)
}

func (s *scriptedStore) SubscribeToKindnessEntries(ctx context.Context, userID string, onChange func([]community.KindnessEntry), onError func(error)) (store.Unsubscribe, error) {
	if s.kindnessRelease != nil {
		<-s.kindnessRelease
	}
	if s.kindnessSubError != nil {
		return nil, s.kindnessSubError
	}
	s.mu.Lock()
	s.kindnessChange, s.kindnessOnError = onChange, onError
	s.mu.Unlock()
	if s.holdKindness {
		return func() {}, nil
	}
	return s.SQLStore.SubscribeToKindnessEntries(ctx, userID, onChange, onError)
}

func (s *scriptedStore) callbacks() (func([]community.HelpRequest), func(error), func([]community.KindnessEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestsChange, s.requestsError, s.kindnessChange
}

func TestSubscribeFailureClearsOnlyThatCollection(t *testing.T) {
	scripted := &scriptedStore{
		holdRequests:     true,
		kindnessRelease:  make(chan struct{}),
		kindnessSubError: errors.New("permission denied"),
	}
	h := newHarness(t, harnessOptions{wrapStore: func(s *store.SQLStore) Store {
		scripted.SQLStore = s
		return scripted
	}})
	var release sync.Once
	releaseKindness := func() { release.Do(func() { close(scripted.kindnessRelease) }) }
	t.Cleanup(releaseKindness)
	h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })

	require.NoError(t, h.controller.SignInWithPassword(context.Background(), "kid@example.com", "pw123456", ""))
	require.NotNil(t, h.controller.Snapshot().User)
	releaseKindness()

	state := h.await(t, "kindness subscribe failed", func(s State) bool {
		return !s.KindnessLoading && s.Banner != nil && s.Banner.Message == "Could not load the hive. Try again soon."
	})
	require.True(t, state.RequestsLoading)
	require.Equal(t, ToneError, state.Banner.Tone)

	deliverRequests, _, _ := scripted.callbacks()
	require.NotNil(t, deliverRequests)
	deliverRequests([]community.HelpRequest{})
	h.await(t, "requests loaded", func(s State) bool { return !s.RequestsLoading })
}

func TestLiveQueryErrorLeavesOtherCollectionLoading(t *testing.T) {
	scripted := &scriptedStore{holdKindness: true}
	h := newHarness(t, harnessOptions{wrapStore: func(s *store.SQLStore) Store {
		scripted.SQLStore = s
		return scripted
	}})
	h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })
	require.NoError(t, h.controller.SignInWithPassword(context.Background(), "kid@example.com", "pw123456", ""))
	h.await(t, "requests loaded, kindness pending", func(s State) bool {
		return !s.RequestsLoading && s.KindnessLoading
	})

	_, requestsFailed, deliverKindness := scripted.callbacks()
	require.NotNil(t, requestsFailed)
	requestsFailed(errors.New("stream reset"))

	state := h.await(t, "snapshot error banner", func(s State) bool {
		return s.Banner != nil && s.Banner.Message == "We lost touch with the hive. Updates may be delayed."
	})
	require.True(t, state.KindnessLoading)
	require.False(t, state.RequestsLoading)

	deliverKindness([]community.KindnessEntry{})
	h.await(t, "kindness loaded", func(s State) bool { return !s.KindnessLoading })
}

func TestSignInReturnsWithUserApplied(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })
	ctx := context.Background()

	require.NoError(t, h.controller.SignInWithPassword(ctx, " kid@example.com ", "pw123456", ""))
	state := h.controller.Snapshot()
	require.NotNil(t, state.User)
	require.Equal(t, "kid@example.com", state.User.Email)
	require.Equal(t, "Welcome to HelperHive!", state.Banner.Message)

	require.NoError(t, h.controller.SignOut(ctx))
	require.Nil(t, h.controller.Snapshot().User)
}

func TestPasswordIsNotTrimmed(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.await(t, "auth resolved", func(s State) bool { return !s.AuthLoading })
	ctx := context.Background()

	require.NoError(t, h.controller.SignInWithPassword(ctx, "kid@example.com", " pw123456 ", ""))
	require.NoError(t, h.controller.SignOut(ctx))

	err := h.controller.SignInWithPassword(ctx, "kid@example.com", "pw123456", "")
	require.Equal(t, identity.CodeWrongPassword, identity.CodeOf(err))
	require.NoError(t, h.controller.SignInWithPassword(ctx, "kid@example.com", " pw123456 ", ""))
}

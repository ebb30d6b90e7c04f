package hive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotSignedIn rejects a write attempted without a signed-in user.
	ErrNotSignedIn = errors.New("hive: not signed in")
	// ErrSaveInProgress rejects a write while another one is still running.
	ErrSaveInProgress = errors.New("hive: save in progress")
	// ErrInvalidDraft rejects a form that is missing required text.
	ErrInvalidDraft = errors.New("hive: invalid draft")
	// ErrClosed reports an action on a closed controller.
	ErrClosed = errors.New("hive: controller closed")

	errMissingDependency = errors.New("hive: identity, store and generator are required")
)

const (
	defaultBannerTTL  = 6 * time.Second
	authSettleTimeout = 2 * time.Second
	stateTopic        = "state"
	defaultHelper     = "Helper"

	opAuthState       = "hive.auth_state"
	opSubscribe       = "hive.subscribe"
	opSnapshot        = "hive.snapshot"
	opSaveRequest     = "hive.save_request"
	opMarkMatched     = "hive.mark_matched"
	opLogKindness     = "hive.log_kindness"
	opSignInPassword  = "hive.sign_in_password"
	opSignInFederated = "hive.sign_in_federated"
	opSignOut         = "hive.sign_out"
)

// Identity is the per-client authentication session.
type Identity interface {
	OnAuthStateChanged(listener identity.AuthStateListener) func()
	SignInOrRegisterWithPassword(ctx context.Context, email, password, displayName string) (community.UserProfile, error)
	SignInWithFederatedProvider(ctx context.Context, credential string) (community.UserProfile, error)
	SignOut(ctx context.Context) error
}

// Store is the part of the remote store the controller reads and writes.
type Store interface {
	SubscribeToRequests(ctx context.Context, onChange func([]community.HelpRequest), onError func(error)) (store.Unsubscribe, error)
	SubscribeToKindnessEntries(ctx context.Context, userID string, onChange func([]community.KindnessEntry), onError func(error)) (store.Unsubscribe, error)
	CreateHelpRequest(ctx context.Context, input community.NewHelpRequest) (string, error)
	UpdateHelpRequest(ctx context.Context, input community.HelpRequestUpdate) error
	MarkHelpRequestMatched(ctx context.Context, id, helperName string) error
	CreateKindnessEntry(ctx context.Context, userID string, input community.NewKindnessEntry) error
}

// Generator enriches text before it is persisted.
type Generator interface {
	PolishRequestText(ctx context.Context, raw string) generation.PolishedRequest
	Celebrate(ctx context.Context, action string) string
}

// Config wires a controller to its clients.
type Config struct {
	Identity  Identity
	Store     Store
	Generator Generator
	BannerTTL time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Controller is the view model for one client. Its mutex is never held across I/O: store and
// generation calls run outside it and their results are applied only if the epoch still matches.
type Controller struct {
	identity  Identity
	store     Store
	generator Generator
	bannerTTL time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	changes   *feed.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle serialises subscription teardown and setup across auth transitions and Close.
	lifecycle sync.Mutex

	mu            sync.Mutex
	state         model
	epoch         int64
	closed        bool
	requestsStop  store.Unsubscribe
	kindnessStop  store.Unsubscribe
	bannerTimer   *time.Timer
	stopAuthState func()
}

// New boots a controller in the auth-loading state and starts listening to identity.
func New(cfg Config) (*Controller, error) {
	if cfg.Identity == nil || cfg.Store == nil || cfg.Generator == nil {
		return nil, errMissingDependency
	}
	bannerTTL := cfg.BannerTTL
	if bannerTTL <= 0 {
		bannerTTL = defaultBannerTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		identity:  cfg.Identity,
		store:     cfg.Store,
		generator: cfg.Generator,
		bannerTTL: bannerTTL,
		clock:     clock,
		logger:    logger,
		changes:   feed.NewDispatcher(),
		ctx:       ctx,
		cancel:    cancel,
		state:     model{authLoading: true},
	}
	stop := cfg.Identity.OnAuthStateChanged(c.handleAuthState)
	c.mu.Lock()
	c.stopAuthState = stop
	c.mu.Unlock()
	return c, nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.snapshot(c.clock())
}

// Changes streams a signal after every state change. Bursts coalesce; receivers call Snapshot.
func (c *Controller) Changes(ctx context.Context) (<-chan feed.Event, func()) {
	return c.changes.Subscribe(ctx, stateTopic)
}

// Close tears down subscriptions and stops listening to identity. It is idempotent.
func (c *Controller) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	stopAuthState := c.stopAuthState
	requestsStop, kindnessStop := c.requestsStop, c.kindnessStop
	c.requestsStop, c.kindnessStop = nil, nil
	if c.bannerTimer != nil {
		c.bannerTimer.Stop()
		c.bannerTimer = nil
	}
	c.mu.Unlock()

	if stopAuthState != nil {
		stopAuthState()
	}
	stopAll(requestsStop, kindnessStop)
	c.cancel()
}

// DismissBanner clears the banner.
func (c *Controller) DismissBanner() {
	c.mu.Lock()
	if c.state.banner == nil {
		c.mu.Unlock()
		return
	}
	c.state.banner = nil
	c.touchLocked()
	c.mu.Unlock()
	c.publish()
}

// handleAuthState runs on the identity session's delivery goroutine.
func (c *Controller) handleAuthState(user *community.UserProfile) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state.authLoading = false
	if uidOf(user) == uidOf(c.state.user) {
		c.state.user = cloneUser(user)
		c.touchLocked()
		c.mu.Unlock()
		c.publish()
		return
	}

	c.epoch++
	epoch := c.epoch
	requestsStop, kindnessStop := c.requestsStop, c.kindnessStop
	c.requestsStop, c.kindnessStop = nil, nil
	c.state.user = cloneUser(user)
	c.state.requests = nil
	c.state.kindness = nil
	signedIn := user != nil
	c.state.requestsLoading = signedIn
	c.state.kindnessLoading = signedIn
	c.touchLocked()
	c.mu.Unlock()
	c.publish()

	stopAll(requestsStop, kindnessStop)
	if signedIn {
		c.logger.Debug("auth state changed", zap.String("operation", opAuthState), zap.String("uid", user.UID))
		c.openSubscriptions(epoch, user.UID)
	}
}

func (c *Controller) openSubscriptions(epoch int64, uid string) {
	requestsStop, err := c.store.SubscribeToRequests(c.ctx,
		func(list []community.HelpRequest) {
			c.applySnapshot(epoch, func(m *model) {
				m.requests = list
				m.requestsLoading = false
			})
		},
		func(err error) { c.snapshotFailed(epoch, err, func(m *model) { m.requestsLoading = false }) },
	)
	if err != nil {
		c.subscribeFailed(epoch, err, func(m *model) { m.requestsLoading = false })
	}
	kindnessStop, err := c.store.SubscribeToKindnessEntries(c.ctx, uid,
		func(list []community.KindnessEntry) {
			c.applySnapshot(epoch, func(m *model) {
				m.kindness = list
				m.kindnessLoading = false
			})
		},
		func(err error) { c.snapshotFailed(epoch, err, func(m *model) { m.kindnessLoading = false }) },
	)
	if err != nil {
		c.subscribeFailed(epoch, err, func(m *model) { m.kindnessLoading = false })
	}

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		stopAll(requestsStop, kindnessStop)
		return
	}
	c.requestsStop, c.kindnessStop = requestsStop, kindnessStop
	c.mu.Unlock()
}

// applySnapshot runs on a store delivery goroutine and drops results from an earlier session.
func (c *Controller) applySnapshot(epoch int64, apply func(*model)) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	apply(&c.state)
	c.touchLocked()
	c.mu.Unlock()
	c.publish()
}

// snapshotFailed clears only the failing collection's loading flag; the other keeps waiting for its own snapshot.
func (c *Controller) snapshotFailed(epoch int64, err error, apply func(*model)) {
	c.logError(opSnapshot, "live_query_failed", err)
	c.applySnapshot(epoch, func(m *model) {
		apply(m)
		c.setBannerLocked("We lost touch with the hive. Updates may be delayed.", ToneError)
	})
}

func (c *Controller) subscribeFailed(epoch int64, err error, apply func(*model)) {
	c.logError(opSubscribe, "subscribe_failed", err)
	c.applySnapshot(epoch, func(m *model) {
		apply(m)
		c.setBannerLocked("Could not load the hive. Try again soon.", ToneError)
	})
}

func stopAll(stops ...store.Unsubscribe) {
	for _, stop := range stops {
		if stop != nil {
			stop()
		}
	}
}

// touchLocked bumps the state version. Callers hold c.mu.
func (c *Controller) touchLocked() {
	c.state.version++
}

func (c *Controller) publish() {
	c.changes.Publish(stateTopic)
}

// setBannerLocked replaces the banner and schedules a change signal for its expiry. Callers hold c.mu.
func (c *Controller) setBannerLocked(message string, tone Tone) {
	c.state.banner = &Banner{Message: message, Tone: tone, ExpiresAt: c.clock().Add(c.bannerTTL)}
	if c.bannerTimer != nil {
		c.bannerTimer.Stop()
	}
	if c.closed {
		c.bannerTimer = nil
		return
	}
	c.bannerTimer = time.AfterFunc(c.bannerTTL, c.publish)
}

// showBanner sets a banner outside of any other state change.
func (c *Controller) showBanner(message string, tone Tone) {
	c.mu.Lock()
	c.setBannerLocked(message, tone)
	c.touchLocked()
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("controller error", attrs...)
}

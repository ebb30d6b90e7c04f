package identity

import (
	"context"
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/feed"
)

// AuthStateListener receives the signed-in profile, or nil after sign-out.
type AuthStateListener func(user *community.UserProfile)

type notification struct {
	user    *community.UserProfile
	targets []int64
}

// Session is one client's authentication state. Listeners are called on the session's own
// goroutine, one at a time and in transition order.
type Session struct {
	provider *Provider

	mu        sync.Mutex
	user      *community.UserProfile
	listeners map[int64]AuthStateListener
	nextID    int64
	pending   []notification
	closed    bool

	wake     chan struct{}
	delivery *feed.Subscription
}

// NewSession starts a signed-out session.
func (p *Provider) NewSession() *Session {
	s := &Session{
		provider:  p,
		listeners: make(map[int64]AuthStateListener),
		wake:      make(chan struct{}, 1),
	}
	s.delivery = feed.Start(context.Background(), s.deliver)
	return s
}

// OnAuthStateChanged registers listener. It first receives the current state, then one call per
// transition. The returned function unregisters it; a call already in progress still completes.
func (s *Session) OnAuthStateChanged(listener AuthStateListener) func() {
	s.mu.Lock()
	if s.closed || listener == nil {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.pending = append(s.pending, notification{user: cloneProfile(s.user), targets: []int64{id}})
	s.mu.Unlock()
	s.signal()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// CurrentUser returns a copy of the signed-in profile, or nil.
func (s *Session) CurrentUser() *community.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneProfile(s.user)
}

// SignInOrRegisterWithPassword signs in, registering the account when the email is unknown.
func (s *Session) SignInOrRegisterWithPassword(ctx context.Context, email, password, displayName string) (community.UserProfile, error) {
	profile, err := s.provider.signInWithPassword(ctx, email, password, displayName)
	if err != nil {
		return community.UserProfile{}, err
	}
	s.transition(&profile)
	return profile, nil
}

// SignInWithFederatedProvider signs in with a provider ID token. An empty credential means the
// user dismissed the provider prompt.
func (s *Session) SignInWithFederatedProvider(ctx context.Context, credential string) (community.UserProfile, error) {
	profile, err := s.provider.signInWithFederated(ctx, credential)
	if err != nil {
		return community.UserProfile{}, err
	}
	s.transition(&profile)
	return profile, nil
}

// SignOut ends the session. It is a no-op when already signed out.
func (s *Session) SignOut(context.Context) error {
	s.transition(nil)
	return nil
}

// Close stops notification delivery and drops all listeners.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[int64]AuthStateListener)
	s.pending = nil
	s.mu.Unlock()
	s.delivery.Cancel()
}

// transition records next and queues a notification when the signed-in uid changes.
func (s *Session) transition(next *community.UserProfile) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	previous := s.user
	s.user = cloneProfile(next)
	if uidOf(previous) == uidOf(next) {
		s.mu.Unlock()
		return
	}
	targets := make([]int64, 0, len(s.listeners))
	for id := range s.listeners {
		targets = append(targets, id)
	}
	slices.Sort(targets)
	s.pending = append(s.pending, notification{user: cloneProfile(next), targets: targets})
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			next, ok := s.dequeue()
			if !ok {
				break
			}
			for _, id := range next.targets {
				if ctx.Err() != nil {
					return
				}
				s.mu.Lock()
				listener := s.listeners[id]
				s.mu.Unlock()
				if listener != nil {
					listener(cloneProfile(next.user))
				}
			}
		}
	}
}

func (s *Session) dequeue() (notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return notification{}, false
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, true
}

func uidOf(user *community.UserProfile) string {
	if user == nil {
		return ""
	}
	return user.UID
}

func cloneProfile(user *community.UserProfile) *community.UserProfile {
	if user == nil {
		return nil
	}
	copied := *user
	return &copied
}

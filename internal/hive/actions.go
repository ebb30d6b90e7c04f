package hive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"go.uber.org/zap"
)

// write is an in-flight write action. It carries the epoch observed when the action started.
type write struct {
	user  community.UserProfile
	epoch int64
}

// SignInWithPassword signs in or registers with email and password.
func (c *Controller) SignInWithPassword(ctx context.Context, email, password, displayName string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		c.showBanner("Please add an email and password.", ToneInfo)
		return fmt.Errorf("%w: email and password are required", ErrInvalidDraft)
	}
	if err := c.beginSignIn(); err != nil {
		return err
	}
	profile, err := c.identity.SignInOrRegisterWithPassword(ctx, email, password, strings.TrimSpace(displayName))
	if err != nil {
		c.logError(opSignInPassword, "sign_in_failed", err)
		c.endSignIn("Could not sign in. Double-check your details.", ToneError)
		return err
	}
	c.awaitUser(ctx, profile.UID)
	c.endSignIn("Welcome to HelperHive!", ToneSuccess)
	return nil
}

// SignInWithFederated signs in with a provider ID token.
func (c *Controller) SignInWithFederated(ctx context.Context, credential string) error {
	if err := c.beginSignIn(); err != nil {
		return err
	}
	profile, err := c.identity.SignInWithFederatedProvider(ctx, strings.TrimSpace(credential))
	if err != nil {
		c.logError(opSignInFederated, "sign_in_failed", err)
		c.endSignIn("Google sign-in failed. Try again?", ToneError)
		return err
	}
	c.awaitUser(ctx, profile.UID)
	c.endSignIn("Welcome back to the hive!", ToneSuccess)
	return nil
}

// SignOut ends the identity session. The lists are cleared when the signed-out notification arrives.
func (c *Controller) SignOut(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.identity.SignOut(ctx); err != nil {
		c.logError(opSignOut, "sign_out_failed", err)
		c.showBanner("Sign-out had a hiccup, but you are safe to close.", ToneError)
		return err
	}
	c.awaitUser(ctx, "")
	c.showBanner("Signed out. See you soon!", ToneInfo)
	return nil
}

// SaveRequest creates or updates a help request. Text without a polished version is polished first.
func (c *Controller) SaveRequest(ctx context.Context, draft RequestDraft) error {
	draft.OriginalText = strings.TrimSpace(draft.OriginalText)
	if draft.OriginalText == "" {
		c.showBanner("Tell the hive what you need help with.", ToneInfo)
		return fmt.Errorf("%w: request text is required", ErrInvalidDraft)
	}
	started, err := c.beginWrite("Please sign in to post to the hive.", func(m *model) {
		saved := draft
		m.requestDraft = &saved
	})
	if err != nil {
		return err
	}

	if strings.TrimSpace(draft.PolishedText) == "" {
		polished := c.generator.PolishRequestText(ctx, draft.OriginalText)
		draft.PolishedText = polished.PolishedText
		if strings.TrimSpace(string(draft.Category)) == "" {
			draft.Category = polished.Category
		}
		if strings.TrimSpace(draft.Emoji) == "" {
			draft.Emoji = polished.Emoji
		}
	}
	if !c.stillCurrent(started) {
		c.abandonWrite(opSaveRequest)
		return nil
	}

	input := community.NewHelpRequest{
		OriginalText:   draft.OriginalText,
		PolishedText:   draft.PolishedText,
		Category:       draft.Category,
		Emoji:          draft.Emoji,
		Author:         firstNonEmpty(draft.Author, started.user.DisplayName, started.user.Email, community.DefaultDisplayName),
		AuthorID:       started.user.UID,
		AuthorPhotoURL: started.user.PhotoURL,
		ImageURL:       strings.TrimSpace(draft.ImageURL),
	}
	success := "Request posted to the hive"
	if draft.ID != "" {
		success = "Request updated"
		err = c.store.UpdateHelpRequest(ctx, community.HelpRequestUpdate{ID: draft.ID, NewHelpRequest: input})
	} else {
		_, err = c.store.CreateHelpRequest(ctx, input)
	}
	if err != nil {
		c.logError(opSaveRequest, "write_failed", err, zap.String("request_id", draft.ID))
	}
	c.finishWrite(started, err, success, "Could not save the request. Try again.", func(m *model) {
		m.requestDraft = nil
	})
	return err
}

// MarkMatched records the signed-in user as the helper for a request.
func (c *Controller) MarkMatched(ctx context.Context, requestID string) error {
	id, err := community.NewRequestID(requestID)
	if err != nil {
		c.showBanner("Could not update that request.", ToneError)
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	started, err := c.beginWrite("Please sign in to help out.", nil)
	if err != nil {
		return err
	}
	helper := firstNonEmpty(started.user.DisplayName, started.user.Email, defaultHelper)
	err = c.store.MarkHelpRequestMatched(ctx, id, helper)
	if err != nil {
		c.logError(opMarkMatched, "write_failed", err, zap.String("request_id", id))
	}
	c.finishWrite(started, err, "Thanks for matching up!", "Could not update that request.", nil)
	return err
}

// LogKindness celebrates a kind act and appends it to the user's log.
func (c *Controller) LogKindness(ctx context.Context, draft KindnessDraft) error {
	draft.Action = strings.TrimSpace(draft.Action)
	if draft.Action == "" {
		c.showBanner("Tell us what kind thing you did.", ToneInfo)
		return fmt.Errorf("%w: action is required", ErrInvalidDraft)
	}
	started, err := c.beginWrite("Please sign in to log kindness.", func(m *model) {
		saved := draft
		m.kindnessDraft = &saved
	})
	if err != nil {
		return err
	}

	if strings.TrimSpace(draft.AIResponse) == "" {
		draft.AIResponse = c.generator.Celebrate(ctx, draft.Action)
	}
	if !c.stillCurrent(started) {
		c.abandonWrite(opLogKindness)
		return nil
	}

	err = c.store.CreateKindnessEntry(ctx, started.user.UID, community.NewKindnessEntry{
		Action:     draft.Action,
		AIResponse: draft.AIResponse,
		ImageURL:   strings.TrimSpace(draft.ImageURL),
	})
	if err != nil {
		c.logError(opLogKindness, "write_failed", err)
	}
	c.finishWrite(started, err, "Kindness saved - high five!", "Could not save that kindness moment.", func(m *model) {
		m.kindnessDraft = nil
	})
	return err
}

// awaitUser waits, up to authSettleTimeout, until the identity notification for uid has been
// applied. Sign-in and sign-out return only after the state names the new user.
func (c *Controller) awaitUser(ctx context.Context, uid string) {
	events, cancel := c.changes.Subscribe(ctx, stateTopic)
	defer cancel()
	timer := time.NewTimer(authSettleTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		settled := c.closed || uidOf(c.state.user) == uid
		c.mu.Unlock()
		if settled {
			return
		}
		select {
		case <-events:
		case <-ctx.Done():
			return
		case <-timer.C:
			c.logger.Warn("identity notification not applied in time", zap.String("operation", opAuthState), zap.String("uid", uid))
			return
		}
	}
}

func (c *Controller) beginSignIn() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state.authLoading = true
	c.touchLocked()
	c.mu.Unlock()
	c.publish()
	return nil
}

func (c *Controller) endSignIn(message string, tone Tone) {
	c.mu.Lock()
	c.state.authLoading = false
	c.setBannerLocked(message, tone)
	c.touchLocked()
	c.mu.Unlock()
	c.publish()
}

// beginWrite claims the saving flag. It rejects the action locally, without I/O, when nobody is
// signed in or another write is running. keepDraft records the form so a failure can restore it.
func (c *Controller) beginWrite(signInMessage string, keepDraft func(*model)) (write, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return write{}, ErrClosed
	}
	if c.state.user == nil {
		c.setBannerLocked(signInMessage, ToneInfo)
		c.touchLocked()
		c.mu.Unlock()
		c.publish()
		return write{}, ErrNotSignedIn
	}
	if c.state.saving {
		c.mu.Unlock()
		return write{}, ErrSaveInProgress
	}
	c.state.saving = true
	if keepDraft != nil {
		keepDraft(&c.state)
	}
	started := write{user: *c.state.user, epoch: c.epoch}
	c.touchLocked()
	c.mu.Unlock()
	c.publish()
	return started, nil
}

func (c *Controller) stillCurrent(started write) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.epoch == started.epoch
}

// abandonWrite releases the saving flag for a write whose session ended before it could persist.
func (c *Controller) abandonWrite(operation string) {
	c.logger.Info("write skipped after session change", zap.String("operation", operation))
	c.mu.Lock()
	c.state.saving = false
	c.touchLocked()
	c.mu.Unlock()
	c.publish()
}

// finishWrite clears the saving flag whatever the outcome. Banners and draft changes apply only
// when the session that started the write is still current.
func (c *Controller) finishWrite(started write, err error, success, failure string, clearDraft func(*model)) {
	c.mu.Lock()
	c.state.saving = false
	if !c.closed && c.epoch == started.epoch {
		if err != nil {
			c.setBannerLocked(failure, ToneError)
		} else {
			c.setBannerLocked(success, ToneSuccess)
			if clearDraft != nil {
				clearDraft(&c.state)
			}
		}
	}
	c.touchLocked()
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

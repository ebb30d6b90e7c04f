package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/hive"
)

func signedIn(state hive.State) bool {
	return state.User != nil && !state.RequestsLoading && !state.KindnessLoading
}

func TestHealthz(t *testing.T) {
	env := newTestEnvironment(t, time.Second)
	var payload map[string]string
	if status := env.call(t, http.MethodGet, "/healthz", "", nil, &payload); status != http.StatusOK {
		t.Fatalf("unexpected status: %d", status)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnvironment(t, time.Second)
	if status := env.call(t, http.MethodGet, "/state", "", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token, got %d", status)
	}
	if status := env.call(t, http.MethodGet, "/state", "not-a-jwt", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized with forged token, got %d", status)
	}

	token := env.createSession(t)
	if status := env.call(t, http.MethodDelete, "/sessions/current", token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("unexpected delete status: %d", status)
	}
	var payload map[string]string
	if status := env.call(t, http.MethodGet, "/state", token, nil, &payload); status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized after session removal, got %d", status)
	}
	if payload["error"] != "session_not_found" {
		t.Fatalf("unexpected error payload: %#v", payload)
	}
}

func TestWriteWithoutSignInReturnsUnauthorizedWithBanner(t *testing.T) {
	env := newTestEnvironment(t, time.Second)
	token := env.createSession(t)
	env.awaitState(t, token, "auth resolved", func(s hive.State) bool { return !s.AuthLoading })

	var payload stateResponsePayload
	status := env.call(t, http.MethodPost, "/requests", token, hive.RequestDraft{OriginalText: "need help tying shoes"}, &payload)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", status)
	}
	if payload.Error != "not_signed_in" {
		t.Fatalf("unexpected error label: %q", payload.Error)
	}
	if payload.State.Banner == nil || payload.State.Banner.Message != "Please sign in to post to the hive." {
		t.Fatalf("expected sign-in banner, got %#v", payload.State.Banner)
	}
}

func TestBoardFlowOverHTTP(t *testing.T) {
	env := newTestEnvironment(t, time.Second)
	token := env.createSession(t)
	env.awaitState(t, token, "auth resolved", func(s hive.State) bool { return !s.AuthLoading })

	var payload stateResponsePayload
	status := env.call(t, http.MethodPost, "/auth/password", token, passwordSignInPayload{Email: "a@b.com", Password: "pw123456"}, &payload)
	if status != http.StatusOK {
		t.Fatalf("unexpected sign-in status: %d (%#v)", status, payload)
	}
	if payload.State.User == nil || payload.State.User.Email != "a@b.com" {
		t.Fatalf("expected sign-in response to carry the signed-in user, got %#v", payload.State.User)
	}
	state := env.awaitState(t, token, "signed in", signedIn)
	if state.User.DisplayName != "a" {
		t.Fatalf("expected display name derived from email, got %q", state.User.DisplayName)
	}

	if status := env.call(t, http.MethodPost, "/requests", token, hive.RequestDraft{OriginalText: "need help tying shoes"}, &payload); status != http.StatusOK {
		t.Fatalf("unexpected create status: %d (%#v)", status, payload)
	}
	state = env.awaitState(t, token, "request listed", func(s hive.State) bool { return len(s.Requests) == 1 })
	request := state.Requests[0]
	if request.PolishedText != "need help tying shoes" || request.Category != community.CategoryOther || request.Status != community.StatusOpen {
		t.Fatalf("unexpected persisted request: %#v", request)
	}

	if status := env.call(t, http.MethodPost, "/requests/"+request.ID+"/match", token, nil, &payload); status != http.StatusOK {
		t.Fatalf("unexpected match status: %d", status)
	}
	env.awaitState(t, token, "request matched", func(s hive.State) bool { return s.MatchedCount == 1 && s.OpenCount == 0 })

	if status := env.call(t, http.MethodPut, "/requests/missing-id", token, hive.RequestDraft{OriginalText: "nope"}, &payload); status != http.StatusBadGateway {
		t.Fatalf("expected bad gateway for missing request, got %d", status)
	}
	if payload.Code != "store.update_help_request.not_found" {
		t.Fatalf("unexpected write error code: %q", payload.Code)
	}

	if status := env.call(t, http.MethodPost, "/kindness", token, hive.KindnessDraft{Action: "shared my lunch"}, &payload); status != http.StatusOK {
		t.Fatalf("unexpected kindness status: %d", status)
	}
	state = env.awaitState(t, token, "kindness listed", func(s hive.State) bool { return s.KindnessCount == 1 })
	if state.KindnessEntries[0].AIResponse != generation.FallbackCelebration {
		t.Fatalf("expected fallback celebration, got %q", state.KindnessEntries[0].AIResponse)
	}

	if status := env.call(t, http.MethodPost, "/kindness", token, hive.KindnessDraft{Action: "x", ImageURL: "ftp://example.com/a.png"}, &payload); status != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid image, got %d", status)
	}
	if payload.Error != "invalid_image" {
		t.Fatalf("unexpected error label: %q", payload.Error)
	}

	if status := env.call(t, http.MethodDelete, "/banner", token, nil, &payload); status != http.StatusOK || payload.State.Banner != nil {
		t.Fatalf("expected banner dismissal, got %d %#v", status, payload.State.Banner)
	}

	if status := env.call(t, http.MethodPost, "/auth/signout", token, nil, &payload); status != http.StatusOK {
		t.Fatalf("unexpected sign-out status: %d", status)
	}
	state = env.awaitState(t, token, "signed out", func(s hive.State) bool { return s.User == nil })
	if len(state.Requests) != 0 || len(state.KindnessEntries) != 0 || state.RequestsLoading || state.KindnessLoading {
		t.Fatalf("expected cleared lists after sign-out, got %#v", state)
	}
}

func TestPasswordSignInFailureReturnsAuthCode(t *testing.T) {
	env := newTestEnvironment(t, time.Second)
	first := env.createSession(t)
	env.awaitState(t, first, "auth resolved", func(s hive.State) bool { return !s.AuthLoading })
	if status := env.call(t, http.MethodPost, "/auth/password", first, passwordSignInPayload{Email: "kid@example.com", Password: "secret-pw"}, nil); status != http.StatusOK {
		t.Fatalf("unexpected registration status: %d", status)
	}

	second := env.createSession(t)
	env.awaitState(t, second, "auth resolved", func(s hive.State) bool { return !s.AuthLoading })
	var payload stateResponsePayload
	status := env.call(t, http.MethodPost, "/auth/password", second, passwordSignInPayload{Email: "kid@example.com", Password: "wrong-pw"}, &payload)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", status)
	}
	if payload.Code != "auth/wrong-password" {
		t.Fatalf("unexpected auth code: %q", payload.Code)
	}
	if payload.State.Banner == nil || payload.State.Banner.Message != "Could not sign in. Double-check your details." {
		t.Fatalf("unexpected banner: %#v", payload.State.Banner)
	}
}

func TestGenerationEndpointsFallBack(t *testing.T) {
	env := newTestEnvironment(t, time.Second)
	token := env.createSession(t)

	var polished generation.PolishedRequest
	if status := env.call(t, http.MethodPost, "/generate/polish", token, textPayload{Text: "need help tying shoes"}, &polished); status != http.StatusOK {
		t.Fatalf("unexpected polish status: %d", status)
	}
	if polished.PolishedText != "need help tying shoes" || polished.Category != community.CategoryOther || polished.Emoji != community.DefaultEmoji {
		t.Fatalf("unexpected polish fallback: %#v", polished)
	}

	var smile map[string]string
	if status := env.call(t, http.MethodGet, "/generate/smile?kind=fact", token, nil, &smile); status != http.StatusOK {
		t.Fatalf("unexpected smile status: %d", status)
	}
	if smile["kind"] != "fact" || smile["text"] != generation.FallbackFact {
		t.Fatalf("unexpected smile payload: %#v", smile)
	}

	var homework map[string]string
	if status := env.call(t, http.MethodPost, "/generate/homework", token, homeworkPayload{Question: "what is 7x8?", Subject: "Math"}, &homework); status != http.StatusOK {
		t.Fatalf("unexpected homework status: %d", status)
	}
	if homework["explanation"] != generation.FallbackHomework {
		t.Fatalf("unexpected homework payload: %#v", homework)
	}

	var reading generation.ReadingAnalysis
	if status := env.call(t, http.MethodPost, "/generate/reading", token, textPayload{Text: "The fox ran."}, &reading); status != http.StatusOK {
		t.Fatalf("unexpected reading status: %d", status)
	}
	if reading.Summary != generation.FallbackReading || reading.Vocabulary == nil || reading.Questions == nil {
		t.Fatalf("unexpected reading payload: %#v", reading)
	}

	if status := env.call(t, http.MethodPost, "/generate/reading", token, textPayload{Text: "  "}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected bad request for empty text, got %d", status)
	}
}

func TestStateStreamEmitsStateAndHeartbeat(t *testing.T) {
	env := newTestEnvironment(t, 50*time.Millisecond)
	token := env.createSession(t)
	env.awaitState(t, token, "auth resolved", func(s hive.State) bool { return !s.AuthLoading })

	streamRequest, err := http.NewRequest(http.MethodGet, env.server.URL+"/state/stream?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := env.server.Client().Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if contentType := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type: %q", contentType)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(streamResp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	nextEvent := func(want string) string {
		t.Helper()
		currentEventType := ""
		deadline := time.After(3 * time.Second)
		for {
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for %s event", want)
				return ""
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed while waiting for %s event", want)
				}
				if strings.HasPrefix(line, "event:") {
					currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
					continue
				}
				if strings.HasPrefix(line, "data:") && currentEventType == want {
					return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				}
			}
		}
	}

	var initial hive.State
	if err := json.Unmarshal([]byte(nextEvent(eventState)), &initial); err != nil {
		t.Fatalf("failed to decode initial state: %v", err)
	}
	if initial.User != nil {
		t.Fatalf("expected signed-out initial state, got %#v", initial.User)
	}

	if status := env.call(t, http.MethodPost, "/auth/password", token, passwordSignInPayload{Email: "stream@example.com", Password: "pw123456"}, nil); status != http.StatusOK {
		t.Fatalf("unexpected sign-in status: %d", status)
	}
	for {
		var update hive.State
		if err := json.Unmarshal([]byte(nextEvent(eventState)), &update); err != nil {
			t.Fatalf("failed to decode state update: %v", err)
		}
		if update.User != nil && update.User.Email == "stream@example.com" {
			break
		}
	}

	nextEvent(eventHeartbeat)
}

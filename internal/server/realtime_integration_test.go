package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

type streamEvent struct {
	eventType string
	payload   realtimeEventPayload
}

type eventStream struct {
	reader *bufio.Reader
	events chan streamEvent
	errs   chan error
}

// openEventStream subscribes with the query token the way EventSource clients do.
func (s *testStack) openEventStream(t *testing.T, token string) *eventStream {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, s.server.URL+"/notes/events?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected stream content type %q", contentType)
	}

	stream := &eventStream{
		reader: bufio.NewReader(response.Body),
		events: make(chan streamEvent, 16),
		errs:   make(chan error, 1),
	}
	go stream.pump()
	return stream
}

func (s *eventStream) pump() {
	currentEventType := ""
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.errs <- err
			return
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if currentEventType == realtimeEventHeartbeat {
				continue
			}
			var payload realtimeEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				s.errs <- err
				return
			}
			s.events <- streamEvent{eventType: currentEventType, payload: payload}
		}
	}
}

// next returns the next non-heartbeat event.
func (s *eventStream) next(t *testing.T) streamEvent {
	t.Helper()
	select {
	case event := <-s.events:
		return event
	case err := <-s.errs:
		t.Fatalf("failed to read stream: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for realtime event")
	}
	return streamEvent{}
}

func (s *eventStream) expect(t *testing.T, eventTypes ...string) []streamEvent {
	t.Helper()
	received := make([]streamEvent, 0, len(eventTypes))
	for index, eventType := range eventTypes {
		event := s.next(t)
		if event.eventType != eventType {
			t.Fatalf("event %d: expected %s, got %s (%+v)", index, eventType, event.eventType, event.payload)
		}
		received = append(received, event)
	}
	return received
}

func TestRealtimeStreamEmitsLockEvents(t *testing.T) {
	stack := newTestStack(t)
	watcherID, watcherToken := stack.register(t, "watcher", "Watcher")
	editorID, editorToken := stack.register(t, "editor", "Editor Name")
	stack.seedMemo(t, 5, 1, watcherID, editorID)
	stream := stack.openEventStream(t, watcherToken)

	response, _ := stack.do(t, http.MethodPost, "/notes/5/lock", editorToken, nil)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("lock request: expected 201, got %d", response.StatusCode)
	}

	locked := stream.expect(t, RealtimeEventNoteLocked)[0].payload
	if locked.NoteID != 5 || locked.Holder != "Editor Name" || locked.Source != realtimeSourceBackend {
		t.Fatalf("unexpected lock event %+v", locked)
	}
}

func TestUnlockEventsFollowActualReleases(t *testing.T) {
	stack := newTestStack(t)
	watcherID, watcherToken := stack.register(t, "watcher", "Watcher")
	holderID, holderToken := stack.register(t, "holder", "Holder")
	bystanderID, bystanderToken := stack.register(t, "bystander", "Bystander")
	stack.seedMemo(t, 9, 1, watcherID, holderID, bystanderID)
	stream := stack.openEventStream(t, watcherToken)

	response, _ := stack.do(t, http.MethodPost, "/notes/9/lock", holderToken, nil)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("holder lock: expected 201, got %d", response.StatusCode)
	}

	response, _ = stack.do(t, http.MethodDelete, "/notes/9/lock", bystanderToken, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("foreign release: expected 204, got %d", response.StatusCode)
	}
	if !stack.redis.Exists("note:9:lock") {
		t.Fatalf("foreign release must leave the holder's lock in place")
	}

	// The favorite toggle is a marker: nothing may be published between the
	// lock event and this change.
	response, _ = stack.do(t, http.MethodPut, "/notes/9", holderToken, map[string]any{"favorite": true})
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("favorite toggle: expected 204, got %d", response.StatusCode)
	}

	response, _ = stack.do(t, http.MethodPut, "/notes/9", holderToken, map[string]any{"title": "T", "content": "C", "expectedVersion": 1})
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("holder edit: expected 204, got %d", response.StatusCode)
	}

	events := stream.expect(t,
		RealtimeEventNoteLocked,
		RealtimeEventNoteChanged,
		RealtimeEventNoteChanged,
		RealtimeEventNoteUnlocked,
	)
	if events[2].payload.Version != 2 {
		t.Fatalf("expected the edit event to carry version 2, got %+v", events[2].payload)
	}
	if events[3].payload.NoteID != 9 {
		t.Fatalf("unexpected unlock event %+v", events[3].payload)
	}

	response, _ = stack.do(t, http.MethodPost, "/notes/9/lock", holderToken, nil)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("holder relock: expected 201, got %d", response.StatusCode)
	}
	response, _ = stack.do(t, http.MethodDelete, "/notes/9/lock", holderToken, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("holder release: expected 204, got %d", response.StatusCode)
	}
	stream.expect(t, RealtimeEventNoteLocked, RealtimeEventNoteUnlocked)
}

func TestForcedReleaseOnShrinkEmitsUnlock(t *testing.T) {
	stack := newTestStack(t)
	stayingID, stayingToken := stack.register(t, "staying", "Staying")
	leavingID, leavingToken := stack.register(t, "leaving", "Leaving")
	stack.seedMemo(t, 12, 1, stayingID, leavingID)
	stream := stack.openEventStream(t, stayingToken)

	response, _ := stack.do(t, http.MethodPost, "/notes/12/lock", leavingToken, nil)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("lock: expected 201, got %d", response.StatusCode)
	}
	response, _ = stack.do(t, http.MethodDelete, "/notes/12", leavingToken, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("leave: expected 204, got %d", response.StatusCode)
	}

	stream.expect(t, RealtimeEventNoteLocked, RealtimeEventNoteChanged, RealtimeEventNoteUnlocked)
	if stack.redis.Exists("note:12:lock") {
		t.Fatalf("expected the lock to be force released")
	}
}

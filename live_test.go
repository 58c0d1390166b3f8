package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLiveServer(t *testing.T, d liveDeps) (*httptest.Server, string) {
	t.Helper()
	if d.hub == nil {
		d.hub = newHub()
	}
	if d.profiles == nil {
		d.profiles = newFakeStore(testProfiles()...)
	}
	srv := httptest.NewServer(wsTravelHandler(d))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialLive(t *testing.T, url string, userID int) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url+"?token="+tokenFor(t, userID), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	var hello ServerEvent
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "info", hello.Type)
	return conn
}

func readEvents(t *testing.T, conn *websocket.Conn, n int) []ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	out := make([]ServerEvent, 0, n)
	for i := 0; i < n; i++ {
		var evt ServerEvent
		require.NoError(t, conn.ReadJSON(&evt))
		out = append(out, evt)
	}
	return out
}

func TestWSTravel(t *testing.T) {
	t.Run("Rejects anonymous", func(t *testing.T) {
		_, url := startLiveServer(t, liveDeps{})
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Streams one event per candidate", func(t *testing.T) {
		res := &fakeResolver{res: drivingResult(300)}
		_, url := startLiveServer(t, liveDeps{resolver: res})
		conn := dialLive(t, url, 1)

		require.NoError(t, conn.WriteJSON(TravelRequest{Type: "resolve", CandidateIDs: []int{2, 3, 99}}))
		byID := map[int]ServerEvent{}
		for _, evt := range readEvents(t, conn, 3) {
			byID[evt.From] = evt
		}

		assert.Equal(t, "travel", byID[2].Type)
		assert.Equal(t, "driving", byID[2].Data.(map[string]any)["fastest"])
		assert.Equal(t, "travel", byID[3].Type)
		assert.Equal(t, "error", byID[99].Type)
		assert.Equal(t, "not_found", byID[99].Data)
		assert.Equal(t, int32(2), res.calls.Load())
	})

	t.Run("Candidate without location", func(t *testing.T) {
		_, url := startLiveServer(t, liveDeps{resolver: &fakeResolver{res: drivingResult(60)}})
		conn := dialLive(t, url, 1)

		require.NoError(t, conn.WriteJSON(TravelRequest{Type: "resolve", CandidateIDs: []int{4}}))
		evt := readEvents(t, conn, 1)[0]
		assert.Equal(t, ServerEvent{Type: "error", From: 4, Data: "no_location"}, evt)
	})

	t.Run("Viewer without location", func(t *testing.T) {
		_, url := startLiveServer(t, liveDeps{resolver: &fakeResolver{}})
		conn := dialLive(t, url, 4)

		require.NoError(t, conn.WriteJSON(TravelRequest{Type: "resolve", CandidateIDs: []int{2}}))
		assert.Equal(t, "no_location", readEvents(t, conn, 1)[0].Data)
	})

	t.Run("Bad messages", func(t *testing.T) {
		_, url := startLiveServer(t, liveDeps{})
		conn := dialLive(t, url, 1)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		require.NoError(t, conn.WriteJSON(TravelRequest{Type: "subscribe"}))
		require.NoError(t, conn.WriteJSON(TravelRequest{Type: "resolve"}))
		require.NoError(t, conn.WriteJSON(TravelRequest{Type: "resolve", CandidateIDs: []int{2}}))

		var got []any
		for _, evt := range readEvents(t, conn, 4) {
			assert.Equal(t, "error", evt.Type)
			got = append(got, evt.Data)
		}
		assert.Equal(t, []any{"invalid message format", "unknown message type", "invalid candidate_ids", "travel_unavailable"}, got)
	})

	t.Run("Closing cancels pending lookups", func(t *testing.T) {
		res := &fakeResolver{block: true}
		hub := newHub()
		_, url := startLiveServer(t, liveDeps{hub: hub, resolver: res})
		conn := dialLive(t, url, 1)
		assert.Equal(t, 1, hub.count())

		require.NoError(t, conn.WriteJSON(TravelRequest{Type: "resolve", CandidateIDs: []int{2}}))
		require.Eventually(t, func() bool { return res.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

		conn.Close()
		assert.Eventually(t, func() bool { return res.canceled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool { return hub.count() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("New request replaces the pending one", func(t *testing.T) {
		res := &fakeResolver{block: true}
		_, url := startLiveServer(t, liveDeps{resolver: res})
		conn := dialLive(t, url, 1)

		for i := 0; i < 50; i++ {
			require.NoError(t, conn.WriteJSON(TravelRequest{Type: "resolve", CandidateIDs: []int{2, 3}}))
		}
		pending := func() int32 { return res.calls.Load() - res.canceled.Load() }
		require.Eventually(t, func() bool { return res.calls.Load() > 0 && pending() <= 2 }, 2*time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.LessOrEqual(t, pending(), int32(2), "lookups from replaced requests still running")

		conn.Close()
		assert.Eventually(t, func() bool { return pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Shutdown closes sockets", func(t *testing.T) {
		hub := newHub()
		_, url := startLiveServer(t, liveDeps{hub: hub})
		conn := dialLive(t, url, 1)

		hub.closeAll()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
		assert.Eventually(t, func() bool { return hub.count() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}

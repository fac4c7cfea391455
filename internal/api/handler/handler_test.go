package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wordchat/backend/internal/api/handler"
	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/config"
	"wordchat/backend/internal/localization"
	"wordchat/backend/internal/models"
	"wordchat/backend/internal/pubsub"
	"wordchat/backend/internal/storage"
)

var testJWT = config.JWTConfig{Secret: "test-secret", TTL: time.Hour, Issuer: "wordchat-test"}

type testServer struct {
	router *gin.Engine
	auth   *handler.Auth
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewMemory(nil)
	require.NoError(t, err)
	bus := pubsub.NewMemory()
	t.Cleanup(func() { _ = bus.Close() })
	loc, err := localization.NewLocalizer()
	require.NoError(t, err)

	matcher := chathub.NewMatcherService(store, bus, config.MatchingConfig{
		WaitTTL:         config.DefaultWaitTTL,
		RoomTTL:         config.DefaultRoomTTL,
		MaxRetries:      config.DefaultMaxMatchRetries,
		FreshRoomWindow: config.DefaultFreshRoomWindow,
	}, nil)
	rooms := chathub.NewRoomManager(store, bus, nil, loc, config.RoomConfig{
		InactivityWindow:  config.DefaultInactivityWindow,
		InactivityWarning: config.DefaultInactivityWarning,
		TypingTTL:         config.DefaultTypingTTL,
		MessageInterval:   time.Minute,
		Language:          config.DefaultLanguage,
	}, nil)

	auth := handler.NewAuth(testJWT)
	h := handler.NewHandler(matcher, rooms, auth, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.Sessions = ctx

	r := gin.New()
	h.Register(r)
	return &testServer{router: r, auth: auth}
}

func (s *testServer) token(t *testing.T, anonID string) string {
	t.Helper()
	token, err := s.auth.Issue(anonID)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, anonID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if anonID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, anonID))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) match(t *testing.T, a, b string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/match", a, gin.H{"word": "banana"})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/match", b, gin.H{"word": "banana"})
	require.Equal(t, http.StatusOK, w.Code)

	var res models.MatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Matched)
	return res.RoomID
}

// TestGetAnonIDIssuesUsableToken checks the bootstrap endpoint returns a token
// that authenticates the returned identity.
func TestGetAnonIDIssuesUsableToken(t *testing.T) {
	// Arrange
	s := newTestServer(t)

	// Act
	w := s.do(t, http.MethodGet, "/anonid", "", nil)

	// Assert
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.AnonID)

	id, err := s.auth.Parse(body.Token)
	require.NoError(t, err)
	assert.Equal(t, body.AnonID, id)
}

// TestAuthRejectsMissingAndForeignTokens covers the 401 paths.
func TestAuthRejectsMissingAndForeignTokens(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/match", "", gin.H{"word": "banana"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other := handler.NewAuth(config.JWTConfig{Secret: "other", TTL: time.Hour, Issuer: testJWT.Issuer})
	token, err := other.Issue("alice")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/match", strings.NewReader(`{"word":"banana"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestAuthRejectsExpiredToken checks expiry against the issuer's clock.
func TestAuthRejectsExpiredToken(t *testing.T) {
	auth := handler.NewAuth(testJWT)
	issued := time.Now().Add(-2 * time.Hour)
	auth.Now = func() time.Time { return issued }
	token, err := auth.Issue("alice")
	require.NoError(t, err)

	auth.Now = time.Now
	_, err = auth.Parse(token)
	assert.ErrorIs(t, err, chathub.ErrInvalidIdentity)
}

// TestMatchEndpoints walks the match flow over HTTP.
func TestMatchEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/match", "alice", gin.H{"word": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/match", "alice", gin.H{"word": "kiwi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"matched":false}`, w.Body.String())

	w = s.do(t, http.MethodDelete, "/match", "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/match", "bob", gin.H{"word": "kiwi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"matched":false}`, w.Body.String())
}

// TestRoomEndpoints covers reads, sends, the rate limit, leave and the status
// codes for outsiders and closed rooms.
func TestRoomEndpoints(t *testing.T) {
	// Arrange
	s := newTestServer(t)
	roomID := s.match(t, "alice", "bob")
	base := "/rooms/" + roomID

	// Act & Assert
	w := s.do(t, http.MethodGet, base, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view models.RoomView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.True(t, view.Room.Active)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, base, "mallory", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/rooms/missing", "alice", nil).Code)

	w = s.do(t, http.MethodPost, base+"/messages", "alice", gin.H{"text": "hi bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	var msg models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "hi bob", msg.Text)

	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, base+"/messages", "alice", gin.H{"text": "again"}).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, base+"/messages", "bob", gin.H{"text": "   "}).Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, base+"/typing", "bob", gin.H{"typing": true}).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, base+"/seen", "bob", gin.H{"message_ids": []string{msg.ID}}).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, base+"/ping", "bob", nil).Code)

	w = s.do(t, http.MethodGet, base+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, []string{"bob"}, []string(list.Messages[0].SeenBy))

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, base+"/leave", "alice", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, base+"/messages", "bob", gin.H{"text": "hello?"}).Code)
}

// TestRoomSocketStreamsAndAcceptsFrames opens a room socket, sends a message
// frame and expects the new snapshot back.
func TestRoomSocketStreamsAndAcceptsFrames(t *testing.T) {
	// Arrange
	s := newTestServer(t)
	roomID := s.match(t, "alice", "bob")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + roomID + "?token=" + s.token(t, "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Act
	require.NoError(t, conn.WriteJSON(chathub.ClientFrame{Type: chathub.FrameSend, Text: "hello"}))

	// Assert
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var frame chathub.ServerFrame
		require.NoError(t, conn.ReadJSON(&frame))
		switch frame.Type {
		case chathub.FrameRoom:
			require.NotNil(t, frame.Room)
			assert.Equal(t, roomID, frame.Room.Room.RoomID)
		case chathub.FrameMessages:
			if len(frame.Messages) == 1 {
				assert.Equal(t, "hello", frame.Messages[0].Text)
				return
			}
		case chathub.FrameError:
			t.Fatalf("unexpected error frame: %s", frame.Error)
		}
	}
}

// TestRoomSocketRefusesOutsiders checks the pre-upgrade membership check.
func TestRoomSocketRefusesOutsiders(t *testing.T) {
	s := newTestServer(t)
	roomID := s.match(t, "alice", "bob")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + roomID + "?token=" + s.token(t, "mallory")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestMatchSocketDeliversRoom checks a waiting user is told about their room.
func TestMatchSocketDeliversRoom(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/match", "alice", gin.H{"word": "banana"}).Code)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/match?word=banana&token=" + s.token(t, "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	w := s.do(t, http.MethodPost, "/match", "bob", gin.H{"word": "banana"})
	require.Equal(t, http.StatusOK, w.Code)
	var res models.MatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame chathub.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, chathub.FrameMatch, frame.Type)
	require.NotNil(t, frame.Match)
	assert.Equal(t, res.RoomID, frame.Match.RoomID)
}

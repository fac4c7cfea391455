package chathub_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/config"
	"wordchat/backend/internal/localization"
	"wordchat/backend/internal/models"
	"wordchat/backend/internal/pubsub"
	"wordchat/backend/internal/ratelimit"
	"wordchat/backend/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sequence hands out predictable ids.
func sequence(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func testMatchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		WaitTTL:         config.DefaultWaitTTL,
		// Longer than the inactivity window so the two closing reasons stay apart.
		RoomTTL:         30 * time.Minute,
		MaxRetries:      config.DefaultMaxMatchRetries,
		FreshRoomWindow: config.DefaultFreshRoomWindow,
	}
}

func testRoomConfig() config.RoomConfig {
	return config.RoomConfig{
		InactivityWindow:  config.DefaultInactivityWindow,
		InactivityWarning: config.DefaultInactivityWarning,
		TypingTTL:         config.DefaultTypingTTL,
		MessageInterval:   config.DefaultMessageInterval,
		WatchInterval:     config.DefaultWatchInterval,
		Language:          config.DefaultLanguage,
	}
}

// hub wires the three services on the in-memory store and bus.
type hub struct {
	store   *storage.Memory
	bus     *pubsub.Memory
	clock   *testClock
	matcher *chathub.MatcherService
	rooms   *chathub.RoomManager
	cleanup *chathub.CleanupService
}

func newHub(t *testing.T) *hub {
	t.Helper()
	store, err := storage.NewMemory(nil)
	require.NoError(t, err)
	bus := pubsub.NewMemory()
	t.Cleanup(func() { _ = bus.Close() })
	loc, err := localization.NewLocalizer()
	require.NoError(t, err)

	clock := newTestClock()
	h := &hub{store: store, bus: bus, clock: clock}

	h.matcher = chathub.NewMatcherService(store, bus, testMatchingConfig(), nil)
	h.matcher.Now = clock.Now
	h.matcher.NewID = sequence("room")

	roomCfg := testRoomConfig()
	h.rooms = chathub.NewRoomManager(store, bus, ratelimit.NewInterval(roomCfg.MessageInterval, clock.Now), loc, roomCfg, nil)
	h.rooms.Now = clock.Now
	h.rooms.NewID = sequence("msg")

	h.cleanup = chathub.NewCleanupService(store, testMatchingConfig(), config.CleanupConfig{Interval: config.DefaultCleanupInterval}, nil)
	h.cleanup.Now = clock.Now
	return h
}

// matchPair puts a in the waiting pool and matches b against it.
func (h *hub) matchPair(t *testing.T, a, b, word string) string {
	t.Helper()
	ctx := context.Background()
	res, err := h.matcher.RequestMatch(ctx, a, word)
	require.NoError(t, err)
	require.False(t, res.Matched)
	res, err = h.matcher.RequestMatch(ctx, b, word)
	require.NoError(t, err)
	require.True(t, res.Matched)
	return res.RoomID
}

// MockStorage is a testify mock of storage.Storage for forcing store failures.
type MockStorage struct {
	mock.Mock
}

var _ storage.Storage = (*MockStorage)(nil)

func (m *MockStorage) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}

func (m *MockStorage) PutWaiting(ctx context.Context, entry *models.WaitingEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockStorage) DeleteWaiting(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockStorage) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStorage) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockStorage) RoomsForUser(ctx context.Context, userID, word string, since time.Time) ([]models.ChatRoom, error) {
	args := m.Called(ctx, userID, word, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatRoom), args.Error(1)
}

func (m *MockStorage) IdleRooms(ctx context.Context, now, idleBefore time.Time) ([]models.ChatRoom, error) {
	args := m.Called(ctx, now, idleBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatRoom), args.Error(1)
}

func (m *MockStorage) DeleteStaleWaiting(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) DeleteExpiredRooms(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) Close() error {
	return m.Called().Error(0)
}

// MockLimiter is a testify mock of ratelimit.Limiter.
type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

// receive waits for one value or fails the test.
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a value")
	}
	var zero T
	return zero
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"go.uber.org/zap"

	"wordchat/backend/internal/models"
)

const (
	tableWaiting  = "waiting"
	tableRooms    = "rooms"
	tableMessages = "messages"
)

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWaiting: {
				Name: tableWaiting,
				Indexes: map[string]*memdb.IndexSchema{
					"id":   {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "UserID"}},
					"word": {Name: "word", Indexer: &memdb.StringFieldIndex{Field: "Word"}},
				},
			},
			tableRooms: {
				Name: tableRooms,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "RoomID"}},
					"pair":   {Name: "pair", Indexer: &memdb.StringFieldIndex{Field: "PairKey"}},
					"user":   {Name: "user", Indexer: &memdb.StringSliceFieldIndex{Field: "Users"}},
					"active": {Name: "active", Indexer: &memdb.BoolFieldIndex{Field: "Active"}},
				},
			},
			tableMessages: {
				Name: tableMessages,
				Indexes: map[string]*memdb.IndexSchema{
					"id":   {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"room": {Name: "room", Indexer: &memdb.StringFieldIndex{Field: "RoomID"}},
				},
			},
		},
	}
}

var _ Storage = (*Memory)(nil)

// Memory is the single-process store. Transactions read from an immutable snapshot,
// buffer their writes, and at commit re-check every read against the latest state;
// if anything they read changed, the commit fails with ErrConflict.
//
// Stored records are never mutated in place, so pointer identity is a version.
type Memory struct {
	db  *memdb.MemDB
	log *zap.Logger
}

func NewMemory(log *zap.Logger) (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("storage: memdb: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{db: db, log: log}, nil
}

func (m *Memory) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		snap:     m.db.Txn(false),
		waiting:  map[string]*models.WaitingEntry{},
		rooms:    map[string]*models.ChatRoom{},
		messages: map[string]*models.Message{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit(m.db)
}

func (m *Memory) PutWaiting(ctx context.Context, entry *models.WaitingEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("storage: waiting entry %q: %w", entry.UserID, err)
	}
	w := m.db.Txn(true)
	defer w.Abort()
	if err := w.Insert(tableWaiting, entry.Clone()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	w.Commit()
	return nil
}

func (m *Memory) DeleteWaiting(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := m.db.Txn(true)
	defer w.Abort()
	raw, err := w.First(tableWaiting, "id", userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if raw == nil {
		return ErrNotFound
	}
	if err := w.Delete(tableWaiting, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	w.Commit()
	return nil
}

func (m *Memory) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := m.db.Txn(false).First(tableRooms, "id", roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	room, ok := raw.(*models.ChatRoom)
	if !ok || !m.validRoom(room) {
		return nil, ErrNotFound
	}
	return room.Clone(), nil
}

func (m *Memory) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it, err := m.db.Txn(false).Get(tableMessages, "room", roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out []models.Message
	for raw := it.Next(); raw != nil; raw = it.Next() {
		msg := raw.(*models.Message)
		if err := msg.Validate(); err != nil {
			m.log.Warn("ignoring invalid message", zap.String("room_id", roomID), zap.String("message_id", msg.ID))
			continue
		}
		out = append(out, *msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) RoomsForUser(ctx context.Context, userID, word string, since time.Time) ([]models.ChatRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it, err := m.db.Txn(false).Get(tableRooms, "user", userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out []models.ChatRoom
	for raw := it.Next(); raw != nil; raw = it.Next() {
		room := raw.(*models.ChatRoom)
		if !room.Active || room.Word != word || !room.CreatedAt.After(since) || !m.validRoom(room) {
			continue
		}
		out = append(out, *room.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) IdleRooms(ctx context.Context, now, idleBefore time.Time) ([]models.ChatRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it, err := m.db.Txn(false).Get(tableRooms, "active", true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out []models.ChatRoom
	for raw := it.Next(); raw != nil; raw = it.Next() {
		room := raw.(*models.ChatRoom)
		if room.LastActivityAt.After(idleBefore) && now.Before(room.ExpiresAt) {
			continue
		}
		if m.validRoom(room) {
			out = append(out, *room.Clone())
		}
	}
	return out, nil
}

func (m *Memory) DeleteStaleWaiting(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w := m.db.Txn(true)
	defer w.Abort()
	it, err := w.Get(tableWaiting, "id")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var stale []interface{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if raw.(*models.WaitingEntry).CreatedAt.Before(before) {
			stale = append(stale, raw)
		}
	}
	for _, raw := range stale {
		if err := w.Delete(tableWaiting, raw); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	w.Commit()
	return len(stale), nil
}

func (m *Memory) DeleteExpiredRooms(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w := m.db.Txn(true)
	defer w.Abort()
	it, err := w.Get(tableRooms, "active", false)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var expired []*models.ChatRoom
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if room := raw.(*models.ChatRoom); room.CreatedAt.Before(before) {
			expired = append(expired, room)
		}
	}
	for _, room := range expired {
		if _, err := w.DeleteAll(tableMessages, "room", room.RoomID); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := w.Delete(tableRooms, room); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	w.Commit()
	return len(expired), nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) validRoom(room *models.ChatRoom) bool {
	if err := room.Validate(); err != nil {
		m.log.Warn("ignoring invalid room", zap.String("room_id", room.RoomID))
		return false
	}
	return true
}

// memTx is one optimistic transaction over Memory. A nil value in a write map is
// a pending delete.
type memTx struct {
	snap     *memdb.Txn
	waiting  map[string]*models.WaitingEntry
	rooms    map[string]*models.ChatRoom
	messages map[string]*models.Message
	// checks are re-evaluated against the write transaction at commit; each one
	// must observe the same record it observed during the transaction.
	checks []func(w *memdb.Txn) bool
}

func (t *memTx) commit(db *memdb.MemDB) error {
	w := db.Txn(true)
	defer w.Abort()
	for _, ok := range t.checks {
		if !ok(w) {
			return ErrConflict
		}
	}
	for id, e := range t.waiting {
		if err := applyWrite(w, tableWaiting, id, e, e == nil); err != nil {
			return err
		}
	}
	for id, r := range t.rooms {
		if err := applyWrite(w, tableRooms, id, r, r == nil); err != nil {
			return err
		}
	}
	for id, msg := range t.messages {
		if err := applyWrite(w, tableMessages, id, msg, msg == nil); err != nil {
			return err
		}
	}
	w.Commit()
	return nil
}

func applyWrite(w *memdb.Txn, table, id string, obj interface{}, deleted bool) error {
	if !deleted {
		if err := w.Insert(table, obj); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}
	existing, err := w.First(table, "id", id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if existing == nil {
		return nil
	}
	if err := w.Delete(table, existing); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// expectKey records that the record under id must still be raw at commit.
func (t *memTx) expectKey(table, id string, raw interface{}) {
	t.checks = append(t.checks, func(w *memdb.Txn) bool {
		cur, err := w.First(table, "id", id)
		return err == nil && cur == raw
	})
}

// expectQuery records that q must still return the same record at commit.
func (t *memTx) expectQuery(q func(txn *memdb.Txn) interface{}, seen interface{}) {
	t.checks = append(t.checks, func(w *memdb.Txn) bool {
		return q(w) == seen
	})
}

func (t *memTx) GetWaiting(userID string) (*models.WaitingEntry, error) {
	if e, ok := t.waiting[userID]; ok {
		if e == nil {
			return nil, ErrNotFound
		}
		return e.Clone(), nil
	}
	raw, err := t.snap.First(tableWaiting, "id", userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	t.expectKey(tableWaiting, userID, raw)
	e, ok := raw.(*models.WaitingEntry)
	if !ok || e.Validate() != nil {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (t *memTx) OldestWaiting(word, excludeUserID string, since time.Time) (*models.WaitingEntry, error) {
	skip := make(map[string]bool, len(t.waiting))
	for id := range t.waiting {
		skip[id] = true
	}
	q := func(txn *memdb.Txn) interface{} {
		it, err := txn.Get(tableWaiting, "word", word)
		if err != nil {
			return nil
		}
		var best *models.WaitingEntry
		for raw := it.Next(); raw != nil; raw = it.Next() {
			e := raw.(*models.WaitingEntry)
			if skip[e.UserID] || e.UserID == excludeUserID || !e.CreatedAt.After(since) || e.Validate() != nil {
				continue
			}
			if best == nil || olderEntry(e, best) {
				best = e
			}
		}
		if best == nil {
			return nil
		}
		return best
	}
	raw := q(t.snap)
	t.expectQuery(q, raw)

	best, _ := raw.(*models.WaitingEntry)
	for _, e := range t.waiting {
		if e == nil || e.Word != word || e.UserID == excludeUserID || !e.CreatedAt.After(since) {
			continue
		}
		if best == nil || olderEntry(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func olderEntry(a, b *models.WaitingEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.UserID < b.UserID
}

func (t *memTx) PutWaiting(entry *models.WaitingEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("storage: waiting entry %q: %w", entry.UserID, err)
	}
	t.waiting[entry.UserID] = entry.Clone()
	return nil
}

func (t *memTx) DeleteWaiting(userID string) error {
	if _, err := t.GetWaiting(userID); err != nil {
		return err
	}
	t.waiting[userID] = nil
	return nil
}

func (t *memTx) GetRoom(roomID string) (*models.ChatRoom, error) {
	if r, ok := t.rooms[roomID]; ok {
		if r == nil {
			return nil, ErrNotFound
		}
		return r.Clone(), nil
	}
	raw, err := t.snap.First(tableRooms, "id", roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	t.expectKey(tableRooms, roomID, raw)
	r, ok := raw.(*models.ChatRoom)
	if !ok || r.Validate() != nil {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (t *memTx) ActiveRoomForPair(word, userA, userB string) (*models.ChatRoom, error) {
	key := models.PairKey(word, userA, userB)
	skip := make(map[string]bool, len(t.rooms))
	for id := range t.rooms {
		skip[id] = true
	}
	q := func(txn *memdb.Txn) interface{} {
		it, err := txn.Get(tableRooms, "pair", key)
		if err != nil {
			return nil
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			r := raw.(*models.ChatRoom)
			if !skip[r.RoomID] && r.Active && r.Validate() == nil {
				return r
			}
		}
		return nil
	}
	raw := q(t.snap)
	t.expectQuery(q, raw)

	if r, ok := raw.(*models.ChatRoom); ok {
		return r.Clone(), nil
	}
	for _, r := range t.rooms {
		if r != nil && r.Active && r.PairKey == key {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) PutRoom(room *models.ChatRoom) error {
	if err := room.Validate(); err != nil {
		return fmt.Errorf("storage: room %q: %w", room.RoomID, err)
	}
	t.rooms[room.RoomID] = room.Clone()
	return nil
}

func (t *memTx) AddMessage(msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("storage: message %q: %w", msg.ID, err)
	}
	if _, err := t.GetMessage(msg.RoomID, msg.ID); err == nil {
		return fmt.Errorf("storage: message %q already exists: %w", msg.ID, ErrConflict)
	}
	t.messages[msg.ID] = msg.Clone()
	return nil
}

func (t *memTx) GetMessage(roomID, messageID string) (*models.Message, error) {
	if msg, ok := t.messages[messageID]; ok {
		if msg == nil || msg.RoomID != roomID {
			return nil, ErrNotFound
		}
		return msg.Clone(), nil
	}
	raw, err := t.snap.First(tableMessages, "id", messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	t.expectKey(tableMessages, messageID, raw)
	msg, ok := raw.(*models.Message)
	if !ok || msg.RoomID != roomID || msg.Validate() != nil {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

func (t *memTx) PutMessage(msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("storage: message %q: %w", msg.ID, err)
	}
	t.messages[msg.ID] = msg.Clone()
	return nil
}

package request

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"fetchd/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var testDBSeq atomic.Int64

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:tracker_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewStore(db).Migrate(context.Background()))
	return db
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	events []event.Event
	users  []string
}

func (p *recordingPublisher) Publish(_ context.Context, userID string, ev event.Event) error {
	p.users = append(p.users, userID)
	p.events = append(p.events, ev)
	return nil
}

func newTestRequest(t *testing.T, store *Store) *Request {
	t.Helper()
	r := &Request{
		ID:     fmt.Sprintf("req_%d", testDBSeq.Add(1)),
		UserID: "u1",
		Kind:   KindDirect,
		Status: StatusPending,
		URL:    "http://example.org/file.bin",
	}
	require.NoError(t, store.Create(context.Background(), r))
	return r
}

func TestTracker_SetStatus_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	pub := &recordingPublisher{}
	tr := NewTracker(store, pub)
	r := newTestRequest(t, store)

	for _, next := range []Status{
		StatusPreProcessing, StatusDownloading, StatusPostProcessing, StatusCompleted,
	} {
		require.NoError(t, tr.SetStatus(ctx, r, next))
	}

	got, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.StartProcessingAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, pub.events, 4)
	assert.Equal(t, event.TypeStatusUpdate, pub.events[0].Type)
	assert.Equal(t, "u1", pub.users[0])
}

func TestTracker_SetStatus_NoOpOnSameStatus(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	pub := &recordingPublisher{}
	tr := NewTracker(store, pub)
	r := newTestRequest(t, store)

	before, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)

	require.NoError(t, tr.SetStatus(ctx, r, StatusPending))

	after, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, before.ModifiedAt, after.ModifiedAt, "no-op must not persist a write")
	assert.Empty(t, pub.events, "no-op must not notify")
}

func TestTracker_SetStatus_RejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	tr := NewTracker(store, nil)
	r := newTestRequest(t, store)

	var invalid *InvalidTransitionError
	err := tr.SetStatus(ctx, r, StatusCompleted)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusPending, r.Status, "request state unchanged on rejection")
}

func TestTracker_SetStatus_CompletedRejectsEverything(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	tr := NewTracker(store, nil)
	r := newTestRequest(t, store)

	for _, next := range []Status{
		StatusPreProcessing, StatusDownloading, StatusPostProcessing, StatusCompleted,
	} {
		require.NoError(t, tr.SetStatus(ctx, r, next))
	}

	for _, next := range []Status{
		StatusPending, StatusPreProcessing, StatusDownloading, StatusPostProcessing, StatusFailed,
	} {
		var invalid *InvalidTransitionError
		assert.ErrorAs(t, tr.SetStatus(ctx, r, next), &invalid, "completed -> %s", next)
	}
}

func TestTracker_StartProcessingAtStampedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	tr := NewTracker(store, nil)
	r := newTestRequest(t, store)

	require.NoError(t, tr.SetStatus(ctx, r, StatusPreProcessing))
	first := *r.StartProcessingAt

	// Fail, retry, process again: the original stamp must survive.
	require.NoError(t, tr.Reset(ctx, r))
	require.NoError(t, tr.SetStatus(ctx, r, StatusPending))
	require.NoError(t, tr.SetStatus(ctx, r, StatusPreProcessing))

	got, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartProcessingAt)
	assert.Equal(t, first.Unix(), got.StartProcessingAt.Unix())
}

func TestTracker_SetProgress(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	tr := NewTracker(store, nil)
	r := newTestRequest(t, store)

	require.NoError(t, tr.SetProgress(ctx, r, 10))
	require.NoError(t, tr.SetProgress(ctx, r, 10))
	require.NoError(t, tr.SetProgress(ctx, r, 55))

	var regress *RegressingProgressError
	err := tr.SetProgress(ctx, r, 30)
	require.ErrorAs(t, err, &regress)
	assert.Equal(t, 55, r.Progress, "request state unchanged on rejection")

	// Explicit zero is the reset escape hatch.
	require.NoError(t, tr.SetProgress(ctx, r, 0))
	assert.Equal(t, 0, r.Progress)
}

func TestTracker_SetProgressClampedAt100(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	tr := NewTracker(store, nil)
	r := newTestRequest(t, store)

	// A server sending more bytes than its content length must not push
	// progress past 100.
	require.NoError(t, tr.SetProgress(ctx, r, 104))
	assert.Equal(t, 100, r.Progress)

	got, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestTracker_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	pub := &recordingPublisher{}
	tr := NewTracker(store, pub)
	r := newTestRequest(t, store)

	require.NoError(t, tr.SetStatus(ctx, r, StatusPreProcessing))
	require.NoError(t, tr.SetTitle(ctx, r, "some title"))
	require.NoError(t, tr.SetPayload(ctx, r, map[string]string{"k": "v"}))
	require.NoError(t, tr.SetStatus(ctx, r, StatusDownloading))
	require.NoError(t, tr.SetProgress(ctx, r, 42))

	require.NoError(t, tr.Reset(ctx, r))

	got, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, "", got.Title)
	assert.Empty(t, got.Payload)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	r := &Request{
		ID:     "round_trip",
		UserID: "u2",
		Kind:   KindResource,
		Status: StatusPending,
		URL:    "http://example.org/gallery",
		Options: Options{
			Extensions: []string{".jpg", ".png"},
			MinBytes:   2048,
		},
	}
	require.NoError(t, store.Create(ctx, r))

	got, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, KindResource, got.Kind)
	assert.Equal(t, []string{".jpg", ".png"}, got.Options.Extensions)
	assert.Equal(t, int64(2048), got.Options.MinBytes)
	assert.Equal(t, "files/u2/round_trip", got.StoragePath())

	list, err := store.ListByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, r.ID))
	_, err = store.GetByID(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Logs(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	r := newTestRequest(t, store)

	require.NoError(t, store.Append(ctx, r.ID, r.UserID, LevelInfo, "starting"))
	require.NoError(t, store.Append(ctx, r.ID, r.UserID, LevelError, "boom"))

	logs, err := store.LogsByRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	var sawError bool
	for _, e := range logs {
		if e.Level == LevelError {
			sawError = true
			assert.Equal(t, "boom", e.Message)
		}
	}
	assert.True(t, sawError)
}

func TestStore_Users(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	u := &User{ID: "u9", Username: "dev", Token: "secret-token"}
	require.NoError(t, store.CreateUser(ctx, u))

	got, err := store.UserByToken(ctx, "secret-token")
	require.NoError(t, err)
	assert.Equal(t, "u9", got.ID)

	_, err = store.UserByToken(ctx, "wrong")
	assert.ErrorIs(t, err, ErrNotFound)
}

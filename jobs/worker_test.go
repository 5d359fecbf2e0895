package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"fetchd/event"
	"fetchd/handler"
	"fetchd/request"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var testDBSeq atomic.Int64

type testEnv struct {
	db      *sql.DB
	store   *request.Store
	tracker *request.Tracker
	root    string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:jobs_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := request.NewStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return &testEnv{
		db:      db,
		store:   store,
		tracker: request.NewTracker(store, nil),
		root:    t.TempDir(),
	}
}

type recordingPublisher struct {
	events []event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, ev event.Event) error {
	p.events = append(p.events, ev)
	return nil
}

type fakeHandler struct{}

func (fakeHandler) PreProcess(context.Context) error  { return nil }
func (fakeHandler) Fetch(context.Context) error       { return nil }
func (fakeHandler) PostProcess(context.Context) error { return nil }
func (fakeHandler) Reset(context.Context) error       { return nil }

type fakeFactory struct{}

func (fakeFactory) Kind() request.Kind { return request.KindDirect }
func (fakeFactory) Probe(string) handler.Status {
	return handler.Status{Kind: "direct", Supported: true}
}
func (fakeFactory) New(*request.Request, handler.Env) handler.Handler { return fakeHandler{} }

func newProcessor(env *testEnv, bus event.Publisher, throttle ResourceCheck) *processor {
	if bus == nil {
		bus = event.NopPublisher{}
	}
	reg := handler.NewRegistry(fakeFactory{})
	return &processor{
		store:    env.store,
		tracker:  env.tracker,
		pipeline: handler.NewPipeline(env.tracker, reg, env.store, nil, env.root),
		bus:      bus,
		root:     env.root,
		throttle: throttle,
	}
}

func handleTask(t *testing.T, requestID string) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(handleRequestPayload{RequestID: requestID})
	require.NoError(t, err)
	return asynq.NewTask(TypeHandleRequest, b)
}

func compressTask(t *testing.T, requestID string) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(compressRequestPayload{RequestID: requestID})
	require.NoError(t, err)
	return asynq.NewTask(TypeCompressRequest, b)
}

func TestProcessor_HandleRequest(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	r := &request.Request{ID: "r1", UserID: "u1", Kind: request.KindDirect, Status: request.StatusPending, URL: "https://example.com/a"}
	require.NoError(t, env.store.Create(ctx, r))

	p := newProcessor(env, nil, nil)
	require.NoError(t, p.handleRequest(ctx, handleTask(t, "r1")))

	got, err := env.store.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, request.StatusCompleted, got.Status)
}

func TestProcessor_HandleRequest_DeletedRequest(t *testing.T) {
	env := newEnv(t)
	p := newProcessor(env, nil, nil)

	require.NoError(t, p.handleRequest(context.Background(), handleTask(t, "gone")),
		"a deleted request drops the job without error")
}

func TestProcessor_HandleRequest_NotPending(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	r := &request.Request{ID: "r2", UserID: "u1", Kind: request.KindDirect, Status: request.StatusCompleted, URL: "https://example.com/a"}
	require.NoError(t, env.store.Create(ctx, r))

	p := newProcessor(env, nil, nil)
	require.NoError(t, p.handleRequest(ctx, handleTask(t, "r2")))

	got, err := env.store.GetByID(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, request.StatusCompleted, got.Status, "already-settled request is left alone")
}

func TestProcessor_HandleRequest_Throttled(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	r := &request.Request{ID: "r3", UserID: "u1", Kind: request.KindDirect, Status: request.StatusPending, URL: "https://example.com/a"}
	require.NoError(t, env.store.Create(ctx, r))

	p := newProcessor(env, nil, func() error { return fmt.Errorf("not enough idle CPU") })
	err := p.handleRequest(ctx, handleTask(t, "r3"))
	require.Error(t, err, "throttled job must return an error so the queue retries it")

	got, err := env.store.GetByID(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, request.StatusPending, got.Status)
}

func TestProcessor_CompressRequest(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	r := &request.Request{ID: "r4", UserID: "u1", Kind: request.KindDirect, Status: request.StatusCompleted, URL: "https://example.com/a"}
	require.NoError(t, env.store.Create(ctx, r))

	dir := filepath.Join(env.root, "files", "u1", "r4")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("data"), 0o644))

	bus := &recordingPublisher{}
	p := newProcessor(env, bus, nil)
	require.NoError(t, p.compressRequest(ctx, compressTask(t, "r4")))

	_, err := os.Stat(dir + ".zip")
	require.NoError(t, err, "archive must be written next to the storage directory")

	got, err := env.store.GetByID(ctx, "r4")
	require.NoError(t, err)
	require.NotNil(t, got.StartCompressingAt)
	require.NotNil(t, got.CompressedAt)

	require.Len(t, bus.events, 1)
	assert.Equal(t, event.TypeTaskFinished, bus.events[0].Type)
}

func TestProcessor_CompressRequest_ExistingArchive(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	r := &request.Request{
		ID: "r5", UserID: "u1", Kind: request.KindDirect,
		Status: request.StatusCompleted, URL: "https://example.com/a",
		StartCompressingAt: &started,
	}
	require.NoError(t, env.store.Create(ctx, r))

	dir := filepath.Join(env.root, "files", "u1", "r5")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(dir+".zip", []byte("already here"), 0o644))

	p := newProcessor(env, nil, nil)
	require.NoError(t, p.compressRequest(ctx, compressTask(t, "r5")))

	b, err := os.ReadFile(dir + ".zip")
	require.NoError(t, err)
	assert.Equal(t, "already here", string(b), "existing archive is not rebuilt")

	got, err := env.store.GetByID(ctx, "r5")
	require.NoError(t, err)
	require.NotNil(t, got.StartCompressingAt)
	assert.Equal(t, started.Unix(), got.StartCompressingAt.Unix(), "original start stamp is kept")
}

func TestProcessor_CompressRequest_DuplicateJobKeepsStamps(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	finished := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	r := &request.Request{
		ID: "r4b", UserID: "u1", Kind: request.KindDirect,
		Status: request.StatusCompleted, URL: "https://example.com/a",
		StartCompressingAt: &started, CompressedAt: &finished,
	}
	require.NoError(t, env.store.Create(ctx, r))

	dir := filepath.Join(env.root, "files", "u1", "r4b")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(dir+".zip", []byte("x"), 0o644))

	bus := &recordingPublisher{}
	p := newProcessor(env, bus, nil)
	require.NoError(t, p.compressRequest(ctx, compressTask(t, "r4b")))

	got, err := env.store.GetByID(ctx, "r4b")
	require.NoError(t, err)
	require.NotNil(t, got.CompressedAt)
	assert.Equal(t, finished.Unix(), got.CompressedAt.Unix(), "finished stamp set exactly once")
	assert.Empty(t, bus.events, "duplicate job announces nothing")
}

func TestProcessor_CompressRequest_MissingDir(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	stamp := time.Now().UTC()
	r := &request.Request{
		ID: "r6", UserID: "u1", Kind: request.KindDirect,
		Status: request.StatusCompleted, URL: "https://example.com/a",
		StartCompressingAt: &stamp, CompressedAt: &stamp,
	}
	require.NoError(t, env.store.Create(ctx, r))

	p := newProcessor(env, nil, nil)
	require.NoError(t, p.compressRequest(ctx, compressTask(t, "r6")))

	got, err := env.store.GetByID(ctx, "r6")
	require.NoError(t, err)
	assert.Nil(t, got.StartCompressingAt, "stamps cleared when the directory is gone")
	assert.Nil(t, got.CompressedAt)
}

func TestProcessor_DeleteFiles(t *testing.T) {
	env := newEnv(t)

	dir := filepath.Join(env.root, "files", "u1", "r7")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(dir+".zip", []byte("x"), 0o644))

	b, err := json.Marshal(deleteFilesPayload{Path: dir})
	require.NoError(t, err)

	p := newProcessor(env, nil, nil)
	require.NoError(t, p.deleteFiles(context.Background(), asynq.NewTask(TypeDeleteFiles, b)))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dir + ".zip")
	assert.True(t, os.IsNotExist(err))

	// Missing paths are not an error; the job never retries.
	require.NoError(t, p.deleteFiles(context.Background(), asynq.NewTask(TypeDeleteFiles, b)))
}

func TestProcessor_CleanupLogs(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.Append(ctx, "r8", "u1", request.LevelInfo, "old line"))
	require.NoError(t, env.store.Append(ctx, "r8", "u1", request.LevelInfo, "fresh line"))

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	_, err := env.db.ExecContext(ctx,
		`UPDATE request_logs SET created_at = ? WHERE message = 'old line'`, yesterday)
	require.NoError(t, err)

	p := newProcessor(env, nil, nil)
	require.NoError(t, p.cleanupLogs(ctx, asynq.NewTask(TypeLogCleanup, nil)))

	logs, err := env.store.LogsByRequest(ctx, "r8")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "fresh line", logs[0].Message)
}

func TestClient_EnqueueHandleRequest_Dedup(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	c := NewClient(asynq.RedisClientOpt{Addr: s.Addr()}, "requests")
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.EnqueueHandleRequest(ctx, "r9"))

	err = c.EnqueueHandleRequest(ctx, "r9")
	assert.ErrorIs(t, err, ErrAlreadyQueued, "a request can be in flight only once")

	require.NoError(t, c.EnqueueHandleRequest(ctx, "r10"), "other requests are unaffected")
	require.NoError(t, c.EnqueueDeleteFiles(ctx, "/tmp/files/u1/r9"))
	require.NoError(t, c.EnqueueCompressRequest(ctx, "r9"))
}

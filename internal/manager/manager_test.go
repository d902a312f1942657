package manager_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loggyxp/loggyxp/internal/event"
	"github.com/loggyxp/loggyxp/internal/manager"
	"github.com/loggyxp/loggyxp/internal/search"
	"github.com/loggyxp/loggyxp/internal/watchctx"
	"github.com/loggyxp/loggyxp/internal/watcher"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// fakeNotifier is a controllable watcher.Notifier. Changes are injected with
// touch.
type fakeNotifier struct {
	mu       sync.Mutex
	watched  map[string]int
	watchErr error
	events   chan watcher.Change
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		watched: make(map[string]int),
		events:  make(chan watcher.Change, 64),
	}
}

func (f *fakeNotifier) Watch(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return f.watchErr
	}
	f.watched[path]++
	return nil
}

func (f *fakeNotifier) Unwatch(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, path)
	return nil
}

func (f *fakeNotifier) Events() <-chan watcher.Change { return f.events }
func (f *fakeNotifier) Close() error                  { return nil }

func (f *fakeNotifier) registrations(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched[path]
}

func (f *fakeNotifier) touch(path string) {
	f.events <- watcher.Change{Op: watcher.OpModified, Paths: []string{path}, Timestamp: time.Now()}
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) ofKind(k event.Kind) []event.Event {
	var out []event.Event
	for _, e := range r.all() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// countingReplayer wraps a search.Handler and counts Replay calls.
type countingReplayer struct {
	h     *search.Handler
	mu    sync.Mutex
	calls int
}

func (c *countingReplayer) Replay(path string) (search.Replayed, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.h.Replay(path)
}

func (c *countingReplayer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	mgr      *manager.Manager
	notifier *fakeNotifier
	wctx     *watchctx.Context
	rec      *recorder
	replayer *countingReplayer
	cancel   context.CancelFunc
}

// startManager runs a Manager with a fast loop interval and a replayer. The
// loop is stopped when the test ends.
func startManager(t *testing.T, replay bool) *harness {
	t.Helper()
	h := &harness{
		notifier: newFakeNotifier(),
		wctx:     watchctx.New(),
		rec:      &recorder{},
	}
	opts := []manager.Option{manager.WithInterval(5 * time.Millisecond)}
	if replay {
		h.replayer = &countingReplayer{h: search.New(h.rec, 0, noopLogger())}
		opts = append(opts, manager.WithReplayer(h.replayer))
	}
	h.mgr = manager.New(h.notifier, h.wctx, h.rec, noopLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = h.mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.mgr.Done()
	})
	return h
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) watching(path string) bool {
	for _, w := range h.mgr.Snapshot() {
		if w.Path == path {
			return true
		}
	}
	return false
}

// settle waits for two full loop passes so queued work has been processed.
func settle() { time.Sleep(30 * time.Millisecond) }

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func logLines(events []event.Event) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.Line)
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestManager_AddTwiceWatchesAndReplaysOnce(t *testing.T) {
	h := startManager(t, true)
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "a\nb\n")

	ctx := context.Background()
	if err := h.mgr.Add(ctx, path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.mgr.Add(ctx, path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "watch", func() bool { return h.watching(path) })
	settle()

	if got := len(h.mgr.Snapshot()); got != 1 {
		t.Errorf("watch count = %d, want 1", got)
	}
	if got := h.replayer.count(); got != 1 {
		t.Errorf("replay count = %d, want 1", got)
	}
	if got := h.notifier.registrations(path); got != 1 {
		t.Errorf("registrations = %d, want 1", got)
	}
	if got := len(h.rec.ofKind(event.KindLogBatch)); got != 1 {
		t.Errorf("log batches = %d, want 1", got)
	}
}

func TestManager_ReplayThenTailContinuesNumbering(t *testing.T) {
	h := startManager(t, true)
	path := filepath.Join(t.TempDir(), "big.log")
	var b strings.Builder
	for i := 1; i <= 450; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	writeFile(t, path, b.String())

	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "watch", func() bool { return h.watching(path) })

	batches := h.rec.ofKind(event.KindLogBatch)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	for i, want := range []int{200, 200, 50} {
		if len(batches[i].Lines) != want {
			t.Errorf("batch %d size = %d, want %d", i, len(batches[i].Lines), want)
		}
	}

	appendFile(t, path, "fresh\n")
	h.notifier.touch(path)
	waitFor(t, "log event", func() bool { return len(h.rec.ofKind(event.KindLog)) == 1 })

	if got := h.rec.ofKind(event.KindLog)[0].Line; got != "451: fresh" {
		t.Errorf("line = %q, want %q", got, "451: fresh")
	}
}

func TestManager_EndToEndSearchAndTail(t *testing.T) {
	h := startManager(t, true)
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "a\nb nobody\nc\n")

	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "watch", func() bool { return h.watching(path) })

	search.New(h.rec, 0, noopLogger()).Search(path, "nobody", false)
	results := h.rec.ofKind(event.KindSearchResult)
	if len(results) != 1 || !reflect.DeepEqual(results[0].Lines, []string{"2: b nobody"}) {
		t.Fatalf("search results = %+v", results)
	}

	appendFile(t, path, "d nobody2\n")
	h.notifier.touch(path)
	waitFor(t, "log event", func() bool { return len(h.rec.ofKind(event.KindLog)) == 1 })

	got := h.rec.ofKind(event.KindLog)[0]
	if got.Path != path || got.Line != "4: d nobody2" {
		t.Errorf("log event = %+v, want 4: d nobody2", got)
	}
}

func TestManager_FilterAndNotify(t *testing.T) {
	h := startManager(t, false)
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "")

	h.wctx.SetFilter([]string{path}, "ERROR")
	h.wctx.SetNotify([]string{path}, "panic")
	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "watch", func() bool { return h.watching(path) })

	appendFile(t, path, "oops\nERROR disk full\npanic!\n")
	h.notifier.touch(path)
	waitFor(t, "notification", func() bool { return len(h.rec.ofKind(event.KindNotification)) == 1 })

	if got, want := logLines(h.rec.ofKind(event.KindLog)), []string{"2: ERROR disk full"}; !reflect.DeepEqual(got, want) {
		t.Errorf("log lines = %#v, want %#v", got, want)
	}
	if got := h.rec.ofKind(event.KindNotification)[0].Line; got != "NOTIFICATION: 3: panic!" {
		t.Errorf("notification = %q", got)
	}
}

func TestManager_WithoutReplayNumberingIsFileRelative(t *testing.T) {
	h := startManager(t, false)
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "one\ntwo\n")

	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "watch", func() bool { return h.watching(path) })

	if n := len(h.rec.all()); n != 0 {
		t.Fatalf("expected no events without replay, got %d", n)
	}
	w := h.mgr.Snapshot()[0]
	if w.Offset != int64(len("one\ntwo\n")) || w.NextLine != 2 {
		t.Errorf("snapshot = %+v", w)
	}

	appendFile(t, path, "three\n")
	h.notifier.touch(path)
	waitFor(t, "log event", func() bool { return len(h.rec.ofKind(event.KindLog)) == 1 })
	if got := h.rec.ofKind(event.KindLog)[0].Line; got != "3: three" {
		t.Errorf("line = %q, want %q", got, "3: three")
	}
}

func TestManager_RemoveStopsTailingAndKeepsContext(t *testing.T) {
	h := startManager(t, false)
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "")
	h.wctx.SetFilter([]string{path}, "keep")

	ctx := context.Background()
	if err := h.mgr.Add(ctx, path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "watch", func() bool { return h.watching(path) })

	if err := h.mgr.Remove(ctx, path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFor(t, "unwatch", func() bool { return !h.watching(path) })
	if got := h.notifier.registrations(path); got != 0 {
		t.Errorf("registrations after Remove = %d, want 0", got)
	}

	appendFile(t, path, "keep me\n")
	h.notifier.touch(path)
	settle()
	if n := len(h.rec.ofKind(event.KindLog)); n != 0 {
		t.Fatalf("got %d log events after Remove", n)
	}

	if got := h.wctx.Patterns(path).Filter; got != "keep" {
		t.Errorf("filter after Remove = %q, want %q", got, "keep")
	}

	// Removing an unwatched path is a no-op.
	if err := h.mgr.Remove(ctx, path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	settle()
}

func TestManager_RegistrationFailureAbandonsAdd(t *testing.T) {
	h := startManager(t, false)
	h.notifier.mu.Lock()
	h.notifier.watchErr = errors.New("no watches left")
	h.notifier.mu.Unlock()

	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "x\n")
	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	settle()

	if h.watching(path) {
		t.Fatal("path watched despite registration failure")
	}
}

func TestManager_RegistrationFailureSkipsReplay(t *testing.T) {
	h := startManager(t, true)
	h.notifier.mu.Lock()
	h.notifier.watchErr = errors.New("no watches left")
	h.notifier.mu.Unlock()

	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "a\nb\n")
	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	settle()

	if h.watching(path) {
		t.Fatal("path watched despite registration failure")
	}
	if n := len(h.rec.ofKind(event.KindLogBatch)); n != 0 {
		t.Errorf("replay published %d batches for an abandoned Add", n)
	}
}

type failingReplayer struct{}

func (failingReplayer) Replay(string) (search.Replayed, error) {
	return search.Replayed{}, errors.New("read failed")
}

func TestManager_ReplayFailureReleasesRegistration(t *testing.T) {
	notifier := newFakeNotifier()
	mgr := manager.New(notifier, watchctx.New(), &recorder{}, noopLogger(),
		manager.WithInterval(5*time.Millisecond),
		manager.WithReplayer(failingReplayer{}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-mgr.Done()
	})

	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "x\n")
	if err := mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	settle()

	if n := notifier.registrations(path); n != 0 {
		t.Errorf("registrations = %d after failed replay, want 0", n)
	}
	if len(mgr.Snapshot()) != 0 {
		t.Errorf("snapshot = %+v, want empty", mgr.Snapshot())
	}
}

// appendingReplayer writes to the file right after replaying it, as a writer
// racing the Add would.
type appendingReplayer struct {
	h     *search.Handler
	extra string
	once  sync.Once
}

func (a *appendingReplayer) Replay(path string) (search.Replayed, error) {
	r, err := a.h.Replay(path)
	a.once.Do(func() {
		f, ferr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if ferr != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString(a.extra)
	})
	return r, err
}

func TestManager_LinesWrittenDuringReplayAreTailed(t *testing.T) {
	notifier := watcher.NewPollNotifier(noopLogger(), 10*time.Millisecond, 0)
	t.Cleanup(func() { notifier.Close() })

	rec := &recorder{}
	replayer := &appendingReplayer{h: search.New(rec, 0, noopLogger()), extra: "written-during-add\n"}
	mgr := manager.New(notifier, watchctx.New(), rec, noopLogger(),
		manager.WithInterval(5*time.Millisecond),
		manager.WithReplayer(replayer),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-mgr.Done()
	})

	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "a\n")
	if err := mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, "line appended during replay", func() bool {
		return reflect.DeepEqual(logLines(rec.ofKind(event.KindLog)), []string{"2: written-during-add"})
	})
}

func TestManager_LiteralPathWithGlobCharacters(t *testing.T) {
	h := startManager(t, false)
	path := filepath.Join(t.TempDir(), "app[1].log")
	writeFile(t, path, "x\n")

	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "literal watch", func() bool { return h.watching(path) })

	if err := h.mgr.Remove(context.Background(), path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFor(t, "literal unwatch", func() bool { return !h.watching(path) })
}

func TestManager_MissingFileAbandonsAdd(t *testing.T) {
	h := startManager(t, true)
	path := filepath.Join(t.TempDir(), "missing.log")
	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	settle()

	if h.watching(path) {
		t.Fatal("missing file watched")
	}
	if h.replayer.count() != 0 {
		t.Error("replay attempted for missing file")
	}
}

func TestManager_GlobAdd(t *testing.T) {
	h := startManager(t, false)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "")
	writeFile(t, filepath.Join(dir, "b.log"), "")
	writeFile(t, filepath.Join(dir, "c.txt"), "")

	if err := h.mgr.Add(context.Background(), filepath.Join(dir, "*.log")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "two watches", func() bool { return len(h.mgr.Snapshot()) == 2 })

	snap := h.mgr.Snapshot()
	if snap[0].Path != filepath.Join(dir, "a.log") || snap[1].Path != filepath.Join(dir, "b.log") {
		t.Errorf("snapshot = %+v", snap)
	}

	if err := h.mgr.Remove(context.Background(), filepath.Join(dir, "*")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFor(t, "no watches", func() bool { return len(h.mgr.Snapshot()) == 0 })
}

func TestManager_TruncationRestartsNumbering(t *testing.T) {
	h := startManager(t, false)
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "old 1\nold 2\nold 3\n")

	if err := h.mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "watch", func() bool { return h.watching(path) })

	writeFile(t, path, "new\n")
	h.notifier.touch(path)
	waitFor(t, "log event", func() bool { return len(h.rec.ofKind(event.KindLog)) == 1 })

	if got := h.rec.ofKind(event.KindLog)[0].Line; got != "1: new" {
		t.Errorf("line = %q, want %q", got, "1: new")
	}
}

func TestManager_ShutdownStopsLoop(t *testing.T) {
	h := startManager(t, false)
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "")

	ctx := context.Background()
	if err := h.mgr.Add(ctx, path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-h.mgr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after Shutdown")
	}

	if err := h.mgr.Add(ctx, path); !errors.Is(err, manager.ErrStopped) {
		t.Errorf("Add after Shutdown = %v, want ErrStopped", err)
	}
	if got := h.notifier.registrations(path); got != 0 {
		t.Errorf("registrations after Shutdown = %d, want 0", got)
	}
	if n := len(h.mgr.Snapshot()); n != 0 {
		t.Errorf("snapshot after Shutdown has %d entries", n)
	}
}

func TestManager_QueueSizeBoundsSubmit(t *testing.T) {
	mgr := manager.New(newFakeNotifier(), watchctx.New(), &recorder{}, noopLogger(), manager.WithQueueSize(1))

	if err := mgr.Add(context.Background(), "/a.log"); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := mgr.Add(ctx, "/b.log"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Add = %v, want deadline exceeded on a full queue", err)
	}
}

// lockedBuffer is a bytes.Buffer safe for a logger writing from another
// goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestManager_LogsChangeLag(t *testing.T) {
	out := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	notifier := newFakeNotifier()
	mgr := manager.New(notifier, watchctx.New(), &recorder{}, logger, manager.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-mgr.Done()
	})

	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "a\n")
	if err := mgr.Add(context.Background(), path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "watch", func() bool { return notifier.registrations(path) == 1 })

	appendFile(t, path, "b\n")
	notifier.touch(path)

	waitFor(t, "lag log", func() bool {
		s := out.String()
		return strings.Contains(s, `"msg":"manager: tailed"`) && strings.Contains(s, `"lag":`)
	})
}

func TestCommandKind_String(t *testing.T) {
	cases := map[manager.CommandKind]string{
		manager.CommandAdd:      "add",
		manager.CommandRemove:   "remove",
		manager.CommandShutdown: "shutdown",
		manager.CommandKind(0):  "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("CommandKind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

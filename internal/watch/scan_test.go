package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	logx "batchmd/pkg/logx"
)

func TestScanSubmitsAllFiles(t *testing.T) {
	t.Parallel()

	rootA := t.TempDir()
	rootB := t.TempDir()

	mustWrite := func(path string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{
		filepath.Join(rootA, "a.pdf"),
		filepath.Join(rootA, "sub", "b.pdf"),
		filepath.Join(rootB, "c.pdf"),
	}
	for _, p := range want {
		mustWrite(p)
	}

	var mu sync.Mutex
	var got []string
	err := Scan(context.Background(), []string{rootA, rootB}, func(p string) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("scanned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scanned %v, want %v", got, want)
		}
	}
}

func TestScanMissingRootErrors(t *testing.T) {
	t.Parallel()
	err := Scan(context.Background(), []string{filepath.Join(t.TempDir(), "absent")}, func(string) {})
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestWatcherSubmitsSettledFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	got := make(chan string, 4)

	w := New(logx.Nop(), []string{root}, 20*time.Millisecond, func(p string) { got <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	// Give the watcher a moment to register the root.
	time.Sleep(100 * time.Millisecond)

	p := filepath.Join(root, "incoming.pdf")
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case submitted := <-got:
		if submitted != p {
			t.Fatalf("submitted %q, want %q", submitted, p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("settled file never submitted")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

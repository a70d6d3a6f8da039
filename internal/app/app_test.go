package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"batchmd/internal/batch/engine"
	"batchmd/internal/config"
	logx "batchmd/pkg/logx"
)

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Batch: config.BatchConfig{
			Workers:   2,
			RetryBase: "1ms",
			Dedup:     "off",
		},
		Converter: config.ConverterConfig{
			Command: []string{"cat", "{input}"},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestSubmitAndConvert(t *testing.T) {
	t.Parallel()

	in := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(in, []byte("hello batch\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(testAppConfig(t), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	a.SubmitFile(in)

	ctrl := a.Controller()
	waitFor(t, 5*time.Second, func() bool { return ctrl.Statistics().Completed == 1 })

	tasks := ctrl.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	if tasks[0].Status != engine.StatusCompleted {
		t.Fatalf("status = %s", tasks[0].Status)
	}
	if tasks[0].Result != "hello batch\n" {
		t.Fatalf("result = %q", tasks[0].Result)
	}
}

func TestPersistentDedupSkipsResubmission(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(in, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testAppConfig(t)
	cfg.Storage = &config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "history")}

	a, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	a.SubmitFile(in)
	a.SubmitFile(in) // same fingerprint; must not create a second task

	ctrl := a.Controller()
	waitFor(t, 5*time.Second, func() bool { return ctrl.Statistics().Completed == 1 })
	if total := ctrl.Statistics().Total; total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
}

func TestFilterRejectsSubmission(t *testing.T) {
	t.Parallel()

	in := filepath.Join(t.TempDir(), "image.png")
	if err := os.WriteFile(in, []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testAppConfig(t)
	cfg.Filter = config.FilterConfig{Extensions: []string{".txt"}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	a.SubmitFile(in)
	time.Sleep(50 * time.Millisecond)
	if total := a.Controller().Statistics().Total; total != 0 {
		t.Fatalf("filtered file created %d tasks", total)
	}
}

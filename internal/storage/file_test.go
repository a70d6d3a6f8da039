package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "batchmd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "history")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled storage: %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "bogus", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should error")
	}
}

func TestTaskHistoryRoundTrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	for i, status := range []string{"completed", "failed", "cancelled"} {
		rec := TaskRecord{
			ID:          string(rune('a' + i)),
			InputPath:   "/in/doc.pdf",
			OutputPath:  "/out/doc.md",
			Status:      status,
			Priority:    "normal",
			RetryCount:  i,
			CreatedAt:   now,
			CompletedAt: now.Add(time.Second),
			TookMS:      42,
		}
		if err := st.AppendTask(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.RecentTasks(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[2].Status != "cancelled" || got[2].RetryCount != 2 {
		t.Fatalf("newest record: %+v", got[2])
	}

	// Limit keeps the newest entries.
	got, err = st.RecentTasks(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Status != "failed" {
		t.Fatalf("limited records: %+v", got)
	}
}

func TestFingerprintsSurviveReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.PutFingerprint(ctx, 12345, "/in/a.pdf"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := st.HasFingerprint(ctx, 12345); !ok {
		t.Fatal("fingerprint missing right after put")
	}
	if ok, _ := st.HasFingerprint(ctx, 999); ok {
		t.Fatal("unknown fingerprint reported present")
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if ok, _ := st.HasFingerprint(ctx, 12345); !ok {
		t.Fatal("fingerprint lost across reopen")
	}
}

package schedule

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		source  string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "cron:0 3 * * *", kind: SpecCron, cron: "0 3 * * *", source: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, source: "duration"},
		{in: "interval:2h30m", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute, source: "duration"},
		{in: "every:10s", kind: SpecInterval, every: 10 * time.Second, source: "duration"},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "00:50", kind: SpecInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "interval:00:50", kind: SpecInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "interval:", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "02:99", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "sometimes", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpec(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSpec(%q): expected error, got %+v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSpec(%q): %v", tc.in, err)
			}
			if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every || got.Source != tc.source {
				t.Fatalf("ParseSpec(%q) = %+v", tc.in, got)
			}
		})
	}
}

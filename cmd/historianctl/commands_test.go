package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage"
	"github.com/xtxerr/historian/internal/storage/config"
)

var t0 = time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

func newShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Backend = config.BackendMemory
	cfg.Store.BufferCapacity = 1000
	cfg.Ingestion.FlushInterval = time.Hour
	cfg.Points = []config.PointConfig{
		{XID: "tank.level", DataType: "numeric", Unit: "m"},
		{XID: "pump.running", DataType: "binary"},
	}

	svc, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		svc.Stop()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	var out bytes.Buffer
	return &shell{svc: svc, out: &out, now: func() time.Time { return t0.Add(time.Hour) }}, &out
}

func run(t *testing.T, sh *shell, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if _, err := sh.exec(context.Background(), line); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}
}

func TestShell_Points(t *testing.T) {
	sh, out := newShell(t)
	run(t, sh, "create valve.state multistate", "points")

	got := out.String()
	for _, want := range []string{"created valve.state with id 3", "tank.level", "pump.running", "multistate", "XID"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestShell_WriteAndQuery(t *testing.T) {
	sh, out := newShell(t)
	run(t, sh,
		"write tank.level 2024-03-04T10:00:00Z 2",
		"write tank.level 2024-03-04T10:30:00Z 4",
		"write pump.running 2024-03-04T10:10:00Z true",
	)
	out.Reset()

	run(t, sh, "query tank.level 2024-03-04T10:00:00Z now 1h")
	got := out.String()
	for _, want := range []string{"2024-03-04T10:00:00Z", "min=2 max=4 avg=3"} {
		if !strings.Contains(got, want) {
			t.Errorf("query output missing %q:\n%s", want, got)
		}
	}

	out.Reset()
	run(t, sh, "aligned tank.level,pump.running -1h now")
	got = out.String()
	for _, want := range []string{"TIME", "tank.level", "pump.running", "2024-03-04T10:10:00Z", "true"} {
		if !strings.Contains(got, want) {
			t.Errorf("aligned output missing %q:\n%s", want, got)
		}
	}
}

func TestShell_Samples(t *testing.T) {
	sh, out := newShell(t)
	run(t, sh,
		"write tank.level 2024-03-04T10:20:00Z 7",
		"write pump.running 2024-03-04T10:10:00Z true",
	)
	out.Reset()

	run(t, sh, "samples tank.level,pump.running -1h now")
	got := out.String()
	level := strings.Index(got, "2024-03-04T10:20:00Z")
	pump := strings.Index(got, "2024-03-04T10:10:00Z")
	if level < 0 || pump < 0 {
		t.Fatalf("samples output missing timestamps:\n%s", got)
	}
	if level > pump {
		t.Errorf("expected tank.level before pump.running:\n%s", got)
	}
}

func TestShell_Summarize(t *testing.T) {
	sh, out := newShell(t)
	run(t, sh,
		"write tank.level 2024-03-04T10:00:00Z 1",
		"write tank.level 2024-03-04T10:20:00Z 5",
	)
	out.Reset()

	run(t, sh, "summarize tank.level -1h now 30m")
	got := out.String()
	for _, want := range []string{"WINDOW", "SUM", "2024-03-04T10:00:00Z"} {
		if !strings.Contains(got, want) {
			t.Errorf("summarize output missing %q:\n%s", want, got)
		}
	}
}

func TestShell_Export(t *testing.T) {
	sh, out := newShell(t)
	run(t, sh, "write tank.level 2024-03-04T10:00:00Z 2")

	path := filepath.Join(t.TempDir(), "tank.pb")
	run(t, sh, "export "+path+" tank.level 2024-03-04T10:00:00Z now 15m")
	if !strings.Contains(out.String(), "exported 4 aggregates") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("expected a non-empty export file, got %v", err)
	}
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newShell(t)
	ctx := context.Background()

	if _, err := sh.exec(ctx, "frobnicate"); err == nil {
		t.Error("expected error for an unknown command")
	}
	if _, err := sh.exec(ctx, "query tank.level"); !errors.IsConfigError(err) {
		t.Errorf("expected usage error, got %v", err)
	}
	if _, err := sh.exec(ctx, "query missing -1h now 1h"); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := sh.exec(ctx, "write pump.running now maybe"); !errors.IsConfigError(err) {
		t.Errorf("expected invalid value error, got %v", err)
	}
	if _, err := sh.exec(ctx, "aligned tank.level,tank.level -1h now"); !errors.IsConfigError(err) {
		t.Errorf("expected duplicate point error, got %v", err)
	}
	if _, err := sh.exec(ctx, "create tank/level numeric"); !errors.IsConfigError(err) {
		t.Errorf("expected invalid xid error, got %v", err)
	}
	if _, err := sh.exec(ctx, "rollup"); !errors.IsUnsupported(err) {
		t.Errorf("expected unsupported without pre-aggregation, got %v", err)
	}
}

func TestShell_ExitAndComments(t *testing.T) {
	sh, out := newShell(t)
	ctx := context.Background()

	for _, line := range []string{"", "   ", "# comment"} {
		done, err := sh.exec(ctx, line)
		if done || err != nil {
			t.Errorf("%q: done=%v err=%v", line, done, err)
		}
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
	for _, line := range []string{"exit", "quit"} {
		if done, _ := sh.exec(ctx, line); !done {
			t.Errorf("%q should exit", line)
		}
	}
}

func TestScript(t *testing.T) {
	sh, out := newShell(t)
	var errOut bytes.Buffer

	input := "write tank.level 2024-03-04T10:00:00Z 1\nstats\nexit\npoints\n"
	if err := script(sh, strings.NewReader(input), &errOut); err != nil {
		t.Fatalf("script: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "samples written") {
		t.Errorf("expected stats output:\n%s", got)
	}
	if strings.Contains(got, "XID") {
		t.Error("commands after exit should not run")
	}

	err := script(sh, strings.NewReader("points\nbogus\npoints\n"), &errOut)
	if err == nil {
		t.Fatal("expected script error")
	}
	if !strings.Contains(errOut.String(), "line 2") {
		t.Errorf("expected line number in error, got %q", errOut.String())
	}
}

func TestParseTime(t *testing.T) {
	now := t0
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "now", want: now},
		{in: "-1h", want: now.Add(-time.Hour)},
		{in: "-1d", want: now.AddDate(0, 0, -1)},
		{in: "2024-03-01T08:00:00Z", want: time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)},
		{in: "2024-03-01", want: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
		{in: "-1x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in, now)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseTime(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTime(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

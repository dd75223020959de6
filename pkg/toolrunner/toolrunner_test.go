package toolrunner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRun_CapturesStdout(t *testing.T) {
	r := New()
	req := Request{
		Command:       "echo",
		Args:          []string{"hello"},
		CaptureStdout: true,
	}
	result, err := r.Run(context.Background(), req, uuid.New())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Fatalf("expected captured stdout, got %q", result.Stdout)
	}
}

func TestRun_ReportsNonZeroExit(t *testing.T) {
	r := New()
	req := Request{Command: "false"}
	result, err := r.Run(context.Background(), req, uuid.New())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("expected non-zero exit code")
	}
}

func TestRun_RejectsUngrantedCapability(t *testing.T) {
	r := New()
	req := Request{
		Command:               "echo",
		RequestedCapabilities: []string{"network_access"},
		GrantedCapabilities:   []string{"filesystem_read"},
	}
	if _, err := r.Run(context.Background(), req, uuid.New()); err == nil {
		t.Fatal("expected capability rejection")
	}
}

func TestRun_AllowsGrantedCapability(t *testing.T) {
	r := New()
	req := Request{
		Command:               "echo",
		RequestedCapabilities: []string{"filesystem_read"},
		GrantedCapabilities:   []string{"filesystem_read", "network_access"},
		CaptureStdout:         true,
	}
	if _, err := r.Run(context.Background(), req, uuid.New()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_EnforcesTimeout(t *testing.T) {
	r := New()
	req := Request{Command: "sleep", Args: []string{"5"}, Timeout: 10 * time.Millisecond}
	_, err := r.Run(context.Background(), req, uuid.New())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRun_RejectsEmptyCommand(t *testing.T) {
	r := New()
	if _, err := r.Run(context.Background(), Request{}, uuid.New()); err == nil {
		t.Fatal("expected validation error for empty command")
	}
}

// Package toolrunner implements the §6 tool runner port: a narrow adapter
// for invoking external supply-chain scanner binaries (gitleaks, osv-
// scanner, syft, scancode) as subprocesses, with capability gating so a
// job can only run a command its profile actually grants.
package toolrunner

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
)

// Request is the port's request shape: the command to invoke, its
// arguments, working directory, timeout, what to capture, the job this run
// belongs to, and the capabilities the caller requests vs. what its
// profile actually grants.
type Request struct {
	Command              string
	Args                 []string
	Cwd                  string
	Timeout              time.Duration
	CaptureStdout        bool
	CaptureStderr        bool
	JobID                uuid.UUID
	RequestedCapabilities []string
	GrantedCapabilities   []string
}

// Result is the port's result shape.
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMS int64
	Command    string
}

const defaultTimeout = 2 * time.Minute

// Runner invokes external tool binaries over os/exec.
type Runner struct{}

// New constructs a Runner. It is stateless; a value receiver would do, but
// a pointer keeps the method set open for future fields (e.g. an allowlist
// of invokable binaries) without changing call sites.
func New() *Runner {
	return &Runner{}
}

// Run executes req, enforcing that every requested capability is present
// in the granted set before the process is ever started; it never runs a
// command a caller's profile hasn't explicitly authorized.
func (r *Runner) Run(ctx context.Context, req Request, traceID uuid.UUID) (Result, error) {
	if req.Command == "" {
		return Result{}, apperrors.NewValidationError("tool run request requires a command")
	}
	if missing := missingCapabilities(req.RequestedCapabilities, req.GrantedCapabilities); len(missing) > 0 {
		return Result{}, apperrors.NewGuardError(apperrors.CodeCapability, "requested capability not granted").
			WithDetailsf("missing=%v trace_id=%s job_id=%s", missing, traceID, req.JobID)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command, req.Args...)
	cmd.Dir = req.Cwd

	var stdout, stderr bytes.Buffer
	if req.CaptureStdout {
		cmd.Stdout = &stdout
	}
	if req.CaptureStderr {
		cmd.Stderr = &stderr
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration.Milliseconds(),
		Command:    req.Command,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, apperrors.NewTimeoutError("tool run: " + req.Command)
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if runErr != nil {
		return result, apperrors.Wrapf(runErr, apperrors.ErrorTypeInternal, "tool run failed: %s", req.Command)
	}
	return result, nil
}

// missingCapabilities returns the subset of requested not present in
// granted.
func missingCapabilities(requested, granted []string) []string {
	grantedSet := make(map[string]bool, len(granted))
	for _, g := range granted {
		grantedSet[g] = true
	}
	var missing []string
	for _, req := range requested {
		if !grantedSet[req] {
			missing = append(missing, req)
		}
	}
	return missing
}

// SoundMaxx is an audio-processing worker service.
// Copyright (C) 2025 The SoundMaxx Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// TimeoutError indicates a sandboxed tool run exceeded its wall-clock bound.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %s wall-clock limit", e.Tool, e.Timeout)
}

// WorkerExitError indicates the sandbox child exited without reporting a
// result.
type WorkerExitError struct {
	Code int
}

func (e *WorkerExitError) Error() string {
	return fmt.Sprintf("tool subprocess exited with code %d before reporting a result", e.Code)
}

// sandboxResult is the single JSON line the child writes to stdout.
type sandboxResult struct {
	OK    bool     `json:"ok"`
	Model string   `json:"model,omitempty"`
	Files []string `json:"files,omitempty"`
	Error string   `json:"error,omitempty"`
}

// SandboxRequest describes one isolated tool execution.
type SandboxRequest struct {
	Tool       string
	SourcePath string
	OutputDir  string
	Params     Params
	Timeout    time.Duration
}

// SandboxRunner executes a tool in a separate OS process so runaway model
// inference can be killed without taking the worker down.
type SandboxRunner struct {
	// Command builds the child process. Defaults to re-executing the
	// current binary with the run-tool subcommand.
	Command func(req SandboxRequest) (*exec.Cmd, error)
}

// NewSandboxRunner returns a runner that re-executes the worker binary.
func NewSandboxRunner() *SandboxRunner {
	return &SandboxRunner{Command: selfExecCommand}
}

func selfExecCommand(req SandboxRequest) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate worker binary: %w", err)
	}
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("encode tool params: %w", err)
	}
	return exec.Command(exe, "run-tool",
		"-tool", req.Tool,
		"-source", req.SourcePath,
		"-output", req.OutputDir,
		"-params", string(paramsJSON),
	), nil
}

// Run executes the request and returns the model identifier and produced
// files reported by the child. A run past the timeout is killed and
// surfaces as *TimeoutError; a child that dies without reporting surfaces
// as *WorkerExitError.
func (r *SandboxRunner) Run(ctx context.Context, req SandboxRequest) (string, []string, error) {
	build := r.Command
	if build == nil {
		build = selfExecCommand
	}
	cmd, err := build(req)
	if err != nil {
		return "", nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("start tool subprocess: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		_ = cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
		return "", nil, &TimeoutError{Tool: req.Tool, Timeout: timeout}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return "", nil, ctx.Err()
	}

	result, parseErr := parseSandboxOutput(stdout.Bytes())
	if parseErr != nil {
		code := 0
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return "", nil, &WorkerExitError{Code: code}
	}
	if !result.OK {
		msg := result.Error
		if msg == "" {
			msg = "tool subprocess reported failure"
		}
		return "", nil, errors.New(msg)
	}
	return result.Model, result.Files, nil
}

// parseSandboxOutput finds the result line in the child's stdout. The child
// may emit incidental logging before the final JSON line.
func parseSandboxOutput(out []byte) (sandboxResult, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var result sandboxResult
		if err := json.Unmarshal([]byte(line), &result); err == nil {
			return result, nil
		}
	}
	return sandboxResult{}, errors.New("no result line in tool output")
}

// WriteSandboxResult emits the child-side result line. Used by the run-tool
// subcommand.
func WriteSandboxResult(model string, files []string, runErr error) {
	result := sandboxResult{OK: runErr == nil, Model: model, Files: files}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	data, err := json.Marshal(result)
	if err != nil {
		data = []byte(`{"ok":false,"error":"result encoding failed"}`)
	}
	fmt.Println(string(data))
}

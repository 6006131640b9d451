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
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

// TestSandboxHelperProcess is re-executed as the sandbox child by the
// tests below. It is not a test on its own.
func TestSandboxHelperProcess(t *testing.T) {
	if os.Getenv("GO_SANDBOX_HELPER") != "1" {
		return
	}
	switch os.Getenv("SANDBOX_HELPER_MODE") {
	case "ok":
		fmt.Println("loading model checkpoint")
		fmt.Println(`{"ok":true,"model":"UVR-MDX-NET-Inst_HQ_5.onnx","files":["/out/a-vocals.wav","/out/a-stems.zip"]}`)
		os.Exit(0)
	case "fail":
		fmt.Println(`{"ok":false,"error":"model checkpoint missing"}`)
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
	case "crash":
		os.Exit(3)
	}
	os.Exit(0)
}

func helperCommand(t *testing.T, mode string) func(SandboxRequest) (*exec.Cmd, error) {
	t.Helper()
	return func(req SandboxRequest) (*exec.Cmd, error) {
		cmd := exec.Command(os.Args[0], "-test.run=TestSandboxHelperProcess")
		cmd.Env = append(os.Environ(), "GO_SANDBOX_HELPER=1", "SANDBOX_HELPER_MODE="+mode)
		return cmd, nil
	}
}

func TestSandboxRunSuccess(t *testing.T) {
	r := &SandboxRunner{Command: helperCommand(t, "ok")}
	model, files, err := r.Run(context.Background(), SandboxRequest{Tool: "stem_isolation", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if model != "UVR-MDX-NET-Inst_HQ_5.onnx" {
		t.Fatalf("model = %s", model)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
}

func TestSandboxRunReportedFailure(t *testing.T) {
	r := &SandboxRunner{Command: helperCommand(t, "fail")}
	_, _, err := r.Run(context.Background(), SandboxRequest{Tool: "stem_isolation", Timeout: 10 * time.Second})
	if err == nil || err.Error() != "model checkpoint missing" {
		t.Fatalf("expected reported error, got %v", err)
	}
}

func TestSandboxRunTimeout(t *testing.T) {
	r := &SandboxRunner{Command: helperCommand(t, "hang")}
	start := time.Now()
	_, _, err := r.Run(context.Background(), SandboxRequest{Tool: "stem_isolation", Timeout: 200 * time.Millisecond})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeoutErr.Tool != "stem_isolation" {
		t.Fatalf("timeout error tool = %s", timeoutErr.Tool)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestSandboxRunCrash(t *testing.T) {
	r := &SandboxRunner{Command: helperCommand(t, "crash")}
	_, _, err := r.Run(context.Background(), SandboxRequest{Tool: "mastering", Timeout: 10 * time.Second})

	var exitErr *WorkerExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected WorkerExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("exit code = %d, want 3", exitErr.Code)
	}
}

func TestSandboxRunContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SandboxRunner{Command: helperCommand(t, "hang")}

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, _, err := r.Run(ctx, SandboxRequest{Tool: "stem_isolation", Timeout: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseSandboxOutput(t *testing.T) {
	out := []byte("some log line\nanother line\n{\"ok\":true,\"model\":\"m\",\"files\":[\"f\"]}\n")
	result, err := parseSandboxOutput(out)
	if err != nil {
		t.Fatalf("parseSandboxOutput: %v", err)
	}
	if !result.OK || result.Model != "m" || len(result.Files) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := parseSandboxOutput([]byte("no json here")); err == nil {
		t.Fatal("expected error for output without a result line")
	}
}

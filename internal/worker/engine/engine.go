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

// Package engine drives the job lifecycle: intake, staging, tool
// execution, artifact publication, dataset capture, and signed webhook
// callbacks. Job state is held in memory and survives only as long as the
// process; callers are expected to poll or rely on callbacks.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"soundmaxx/internal/worker/cache"
	"soundmaxx/internal/worker/config"
	"soundmaxx/internal/worker/dataset"
	"soundmaxx/internal/worker/events"
	"soundmaxx/internal/worker/metrics"
	"soundmaxx/internal/worker/signing"
	"soundmaxx/internal/worker/tools"
)

// SignatureHeader carries the HMAC of callback bodies.
const SignatureHeader = "X-SoundMaxx-Signature"

// ToolRunner executes a tool in-process.
type ToolRunner interface {
	Run(toolType, inputFile, outputDir string, params tools.Params) (model string, files []string, err error)
}

// Sandbox executes a tool in a killable subprocess.
type Sandbox interface {
	Run(ctx context.Context, req tools.SandboxRequest) (model string, files []string, err error)
}

// Engine owns job execution.
type Engine struct {
	Config   config.Config
	Cache    *cache.Cache
	Runner   ToolRunner
	Sandbox  Sandbox
	Ledger   *dataset.Ledger
	Events   *events.Store
	Registry *Registry
	Logger   *log.Logger

	// Client posts webhook callbacks.
	Client *http.Client

	sem *semaphore.Weighted
}

// New wires an Engine from its collaborators. A MaxConcurrentJobs of 0
// leaves execution unbounded.
func New(cfg config.Config, c *cache.Cache, runner ToolRunner, sandbox Sandbox, ledger *dataset.Ledger, ev *events.Store, logger *log.Logger) *Engine {
	e := &Engine{
		Config:   cfg,
		Cache:    c,
		Runner:   runner,
		Sandbox:  sandbox,
		Ledger:   ledger,
		Events:   ev,
		Registry: NewRegistry(),
		Logger:   logger,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.MaxConcurrentJobs > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs))
	}
	return e
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// InitialModel returns the model reported for a freshly queued job.
func (e *Engine) InitialModel(toolType string) string {
	switch toolType {
	case tools.ToolStemIsolation:
		return e.Config.StemModelRoformer
	case tools.ToolMastering:
		return "matchering_2_0"
	case tools.ToolKeyBPM:
		return tools.ModelKeyBPM
	case tools.ToolLoudnessReport:
		return tools.ModelLoudness
	}
	return tools.ModelMIDI
}

// Submit accepts a validated job, registers it as queued, and starts
// execution in the background. Resubmitting a job ID restarts it.
func (e *Engine) Submit(req JobRequest) Status {
	status := Status{
		ExternalJobID: req.JobID,
		Status:        StatusQueued,
		Model:         e.InitialModel(req.ToolType),
		EtaSec:        180,
		ProgressPct:   5,
		Artifacts:     []Artifact{},
	}
	e.Registry.Set(req.JobID, status)
	e.recordEvent(req.JobID, StatusQueued, 5, "")
	e.logf("job %s queued (%s)", req.JobID, req.ToolType)

	go e.execute(req)
	return status
}

// GetStatus returns the current status of a job.
func (e *Engine) GetStatus(jobID string) (Status, bool) {
	return e.Registry.Get(jobID)
}

// JobEvents returns the recorded transitions for a job, if the event
// store is enabled.
func (e *Engine) JobEvents(ctx context.Context, jobID string) ([]events.Event, error) {
	return e.Events.List(ctx, jobID)
}

func (e *Engine) recordEvent(jobID, status string, progressPct int, detail string) {
	if err := e.Events.Append(context.Background(), jobID, status, progressPct, detail); err != nil {
		e.logf("job %s: record event: %v", jobID, err)
	}
}

func (e *Engine) execute(req JobRequest) {
	if e.sem != nil {
		if err := e.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer e.sem.Release(1)
	}
	started := time.Now()

	jobID := req.JobID
	e.Registry.Update(jobID, func(s *Status) {
		s.Status = StatusRunning
		s.ProgressPct = 20
	})
	e.recordEvent(jobID, StatusRunning, 20, "")

	// The running callback is best effort.
	_ = e.postCallback("running", req, map[string]any{
		"externalJobId": jobID,
		"status":        StatusRunning,
		"progressPct":   20,
	})

	workspace := filepath.Join(e.Config.TmpRoot, jobID)
	outputDir := filepath.Join(e.Config.OutputRoot, jobID)
	defer func() {
		_ = os.RemoveAll(workspace)
	}()

	model, files, err := e.runJob(req, workspace, outputDir)
	if err != nil {
		e.finishFailed(req, err)
		metrics.IncJob(req.ToolType, StatusFailed)
		metrics.ObserveJobPhase(metrics.PhaseTotal, time.Since(started))
		return
	}

	artifacts := e.collectArtifacts(jobID, files)
	e.Registry.Update(jobID, func(s *Status) {
		s.Status = StatusSucceeded
		s.Model = model
		s.ProgressPct = 100
		s.EtaSec = 0
		s.Artifacts = artifacts
	})
	e.recordEvent(jobID, StatusSucceeded, 100, model)
	e.logf("job %s succeeded with %s (%d artifacts)", jobID, model, len(artifacts))

	if req.Dataset.CaptureMode == dataset.CaptureMode && e.Ledger != nil {
		captureStart := time.Now()
		inputPath := e.inputPath(workspace, req.SourceAsset.BlobURL)
		if _, err := e.Ledger.Capture(dataset.CaptureRequest{
			SourceSessionID: req.Dataset.SourceSessionID,
			JobID:           jobID,
			ToolType:        req.ToolType,
			InputFile:       inputPath,
			OutputFiles:     existingOnly(files),
			Params:          req.Params,
			PolicyVersion:   req.Dataset.PolicyVersion,
		}); err != nil {
			// Capture failures must not fail the job.
			e.logf("job %s: dataset capture: %v", jobID, err)
			metrics.IncDatasetCapture("failed")
		} else {
			metrics.IncDatasetCapture("captured")
		}
		metrics.ObserveJobPhase(metrics.PhaseCapture, time.Since(captureStart))
	}

	qualityFlags := []string{}
	if strings.HasPrefix(model, "fallback_") {
		qualityFlags = append(qualityFlags, "fallback_passthrough_output")
	}
	callbackStart := time.Now()
	if err := e.postCallback("succeeded", req, map[string]any{
		"externalJobId": jobID,
		"status":        StatusSucceeded,
		"progressPct":   100,
		"model":         model,
		"qualityFlags":  qualityFlags,
		"artifacts":     artifacts,
	}); err != nil {
		e.logf("job %s: succeeded callback: %v", jobID, err)
	}
	metrics.ObserveJobPhase(metrics.PhaseCallback, time.Since(callbackStart))
	metrics.IncJob(req.ToolType, StatusSucceeded)
	metrics.ObserveJobPhase(metrics.PhaseTotal, time.Since(started))
}

func (e *Engine) runJob(req JobRequest, workspace, outputDir string) (string, []string, error) {
	jobID := req.JobID

	if err := os.RemoveAll(workspace); err != nil {
		return "", nil, fmt.Errorf("reset workspace: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}

	inputPath := e.inputPath(workspace, req.SourceAsset.BlobURL)
	stageStart := time.Now()
	if err := e.Cache.Stage(req.SourceAsset.BlobURL, inputPath); err != nil {
		return "", nil, err
	}
	metrics.ObserveJobPhase(metrics.PhaseStage, time.Since(stageStart))

	e.Registry.Update(jobID, func(s *Status) { s.ProgressPct = 40 })
	e.recordEvent(jobID, StatusRunning, 40, "staged source")

	toolStart := time.Now()
	if req.ToolType == tools.ToolStemIsolation {
		model, files, err := e.Sandbox.Run(context.Background(), tools.SandboxRequest{
			Tool:       req.ToolType,
			SourcePath: inputPath,
			OutputDir:  outputDir,
			Params:     req.Params,
			Timeout:    e.Config.StemTimeout,
		})
		metrics.ObserveJobPhase(metrics.PhaseTool, time.Since(toolStart))
		var timeoutErr *tools.TimeoutError
		if errors.As(err, &timeoutErr) {
			e.logf("job %s: %v, rendering band-split fallback", jobID, err)
			e.recordEvent(jobID, StatusRunning, 40, "band-split fallback engaged")
			fallbackStart := time.Now()
			model, files, err = tools.BuildStemTimeoutFallback(
				inputPath, outputDir,
				req.Params.Int("stems", 4),
				tools.ZipMethod(e.Config.StemZipCompression),
			)
			metrics.ObserveJobPhase(metrics.PhaseFallback, time.Since(fallbackStart))
		}
		return model, files, err
	}

	model, files, err := e.Runner.Run(req.ToolType, inputPath, outputDir, req.Params)
	metrics.ObserveJobPhase(metrics.PhaseTool, time.Since(toolStart))
	return model, files, err
}

func (e *Engine) finishFailed(req JobRequest, jobErr error) {
	jobID := req.JobID
	errorCode := jobErr.Error()
	if len(errorCode) > 120 {
		errorCode = errorCode[:120]
	}

	e.Registry.Update(jobID, func(s *Status) {
		s.Status = StatusFailed
		s.ProgressPct = 100
		s.ErrorCode = errorCode
	})
	e.recordEvent(jobID, StatusFailed, 100, errorCode)
	e.logf("job %s failed: %v", jobID, jobErr)

	_ = e.postCallback("failed", req, map[string]any{
		"externalJobId": jobID,
		"status":        StatusFailed,
		"progressPct":   100,
		"errorCode":     errorCode,
	})
}

func (e *Engine) inputPath(workspace, blobURL string) string {
	suffix := ".wav"
	if u, err := url.Parse(blobURL); err == nil {
		suffix = cache.AudioSuffix(u.Path)
	}
	return filepath.Join(workspace, "input"+suffix)
}

func (e *Engine) collectArtifacts(jobID string, files []string) []Artifact {
	artifacts := []Artifact{}
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		name := filepath.Base(file)
		format := strings.TrimPrefix(filepath.Ext(name), ".")
		if format == "" {
			format = "bin"
		}
		artifacts = append(artifacts, Artifact{
			BlobURL:   fmt.Sprintf("%s/outputs/%s/%s", e.Config.PublicBaseURL, jobID, name),
			BlobKey:   name,
			Format:    format,
			SizeBytes: info.Size(),
		})
	}
	return artifacts
}

// postCallback signs and delivers one webhook payload. Transport failures
// are errors; the callback endpoint's status code is not inspected.
func (e *Engine) postCallback(kind string, req JobRequest, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		metrics.IncWebhookDelivery(kind, "failed")
		return fmt.Errorf("encode callback payload: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, req.Callback.WebhookURL, bytes.NewReader(body))
	if err != nil {
		metrics.IncWebhookDelivery(kind, "failed")
		return fmt.Errorf("build callback request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SignatureHeader, signing.SignBody(req.Callback.WebhookSecret, body))

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		metrics.IncWebhookDelivery(kind, "failed")
		return fmt.Errorf("deliver callback: %w", err)
	}
	_ = resp.Body.Close()
	metrics.IncWebhookDelivery(kind, "delivered")
	return nil
}

func existingOnly(files []string) []string {
	var out []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

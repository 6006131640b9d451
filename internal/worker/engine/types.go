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

package engine

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"soundmaxx/internal/worker/dataset"
	"soundmaxx/internal/worker/tools"
)

// Job status values.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// SourceAsset identifies the audio blob a job processes.
type SourceAsset struct {
	ID          string  `json:"id"`
	BlobURL     string  `json:"blobUrl"`
	DurationSec float64 `json:"durationSec"`
}

// CallbackConfig carries the webhook endpoint and its signing secret.
type CallbackConfig struct {
	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`
}

// DatasetConfig controls training-data capture for a job.
type DatasetConfig struct {
	CaptureMode     string `json:"captureMode"`
	PolicyVersion   string `json:"policyVersion"`
	SourceSessionID string `json:"sourceSessionId"`
}

// JobRequest is the job intake payload.
type JobRequest struct {
	JobID       string         `json:"jobId"`
	ToolType    string         `json:"toolType"`
	Params      tools.Params   `json:"params"`
	SourceAsset SourceAsset    `json:"sourceAsset"`
	Callback    CallbackConfig `json:"callback"`
	Dataset     DatasetConfig  `json:"dataset"`
}

// Artifact is one produced output, addressed by its public URL.
type Artifact struct {
	BlobURL   string `json:"blobUrl"`
	BlobKey   string `json:"blobKey"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Status is the externally visible job state.
type Status struct {
	ExternalJobID string     `json:"externalJobId"`
	Status        string     `json:"status"`
	Model         string     `json:"model"`
	EtaSec        int        `json:"etaSec"`
	ProgressPct   int        `json:"progressPct"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	Artifacts     []Artifact `json:"artifacts"`
}

var validToolTypes = map[string]bool{
	tools.ToolStemIsolation:  true,
	tools.ToolMastering:      true,
	tools.ToolKeyBPM:         true,
	tools.ToolLoudnessReport: true,
	tools.ToolMIDIExtract:    true,
}

// ValidationError marks a request the caller must fix; the API layer maps
// it to 422.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func httpURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate checks a job request for intake.
func (r *JobRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return validationErr("jobId", "must not be empty")
	}
	if !validToolTypes[r.ToolType] {
		return validationErr("toolType", fmt.Sprintf("unknown tool type %q", r.ToolType))
	}
	if !httpURL(r.SourceAsset.BlobURL) {
		return validationErr("sourceAsset.blobUrl", "must be an http(s) URL")
	}
	if r.SourceAsset.DurationSec < 0 {
		return validationErr("sourceAsset.durationSec", "must not be negative")
	}
	if !httpURL(r.Callback.WebhookURL) {
		return validationErr("callback.webhookUrl", "must be an http(s) URL")
	}
	if len(r.Callback.WebhookSecret) < 16 {
		return validationErr("callback.webhookSecret", "must be at least 16 characters")
	}
	if r.Dataset.CaptureMode == "" {
		// An omitted capture mode defaults to implied_use.
		r.Dataset.CaptureMode = dataset.CaptureMode
	}
	if r.Dataset.CaptureMode != dataset.CaptureMode {
		return validationErr("dataset.captureMode", "must be \"implied_use\"")
	}
	if n := len(r.Dataset.PolicyVersion); n < 1 || n > 64 {
		return validationErr("dataset.policyVersion", "must be 1-64 characters")
	}
	return nil
}

// Registry is the in-memory job status table.
type Registry struct {
	mu       sync.RWMutex
	statuses map[string]*Status
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{statuses: make(map[string]*Status)}
}

// Get returns a copy of the job's status.
func (r *Registry) Get(jobID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[jobID]
	if !ok {
		return Status{}, false
	}
	out := *s
	out.Artifacts = append([]Artifact(nil), s.Artifacts...)
	if out.Artifacts == nil {
		out.Artifacts = []Artifact{}
	}
	return out, true
}

// Set stores the job's status, replacing any previous entry.
func (r *Registry) Set(jobID string, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := s
	r.statuses[jobID] = &copied
}

// Update applies fn to the job's status under the write lock.
func (r *Registry) Update(jobID string, fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[jobID]; ok {
		fn(s)
	}
}

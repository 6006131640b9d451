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

// Package dataset implements the consented training-data ledger. Each
// captured sample gets its own directory holding copies of the job input
// and outputs plus a metadata.json; a root-level manifest.jsonl indexes
// all samples for the training aggregator. Session identifiers are never
// stored raw, only as salted fingerprints.
package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CaptureMode is the only capture mode currently supported.
const CaptureMode = "implied_use"

// Ledger writes consented training samples under Root.
type Ledger struct {
	Root                 string
	SessionSalt          string
	RawRetentionDays     int
	DerivedRetentionDays int
	Logger               *log.Logger

	// manifestMu serializes manifest.jsonl appends.
	manifestMu sync.Mutex
}

// CaptureRequest describes one sample to record.
type CaptureRequest struct {
	SourceSessionID string
	JobID           string
	ToolType        string
	InputFile       string
	OutputFiles     []string
	Params          map[string]any
	PolicyVersion   string
}

type fileRef struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type featureSummary struct {
	InputSizeBytes         int64 `json:"inputSizeBytes"`
	OutputCount            int   `json:"outputCount"`
	OutputSizeBytesTotal   int64 `json:"outputSizeBytesTotal"`
	OutputSizeBytesAverage int64 `json:"outputSizeBytesAverage"`
}

// Metadata is the per-sample record, duplicated into manifest.jsonl.
type Metadata struct {
	SampleID           string         `json:"sample_id"`
	JobID              string         `json:"job_id"`
	SessionFingerprint string         `json:"session_fingerprint"`
	ToolType           string         `json:"tool_type"`
	CaptureMode        string         `json:"capture_mode"`
	PolicyVersion      string         `json:"policy_version"`
	CapturedAt         string         `json:"captured_at"`
	RawExpiresAt       string         `json:"raw_expires_at"`
	DerivedExpiresAt   string         `json:"derived_expires_at"`
	Input              fileRef        `json:"input"`
	Outputs            []fileRef      `json:"outputs"`
	Params             map[string]any `json:"params"`
	Outcome            struct {
		OutputCount int `json:"output_count"`
	} `json:"outcome"`
	Features featureSummary `json:"features"`
}

// Fingerprint returns the salted SHA-256 fingerprint stored in place of a
// session identifier.
func Fingerprint(salt, sessionID string) string {
	sum := sha256.Sum256([]byte(salt + ":" + sessionID))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) logf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

// Capture records a training sample and returns its sample ID. A failed
// capture removes the partial sample directory; the manifest line is
// written last, so manifest entries always point at complete samples.
func (l *Ledger) Capture(req CaptureRequest) (string, error) {
	capturedAt := time.Now().UTC()
	sampleID := uuid.NewString()

	rawDays := l.RawRetentionDays
	if rawDays < 1 {
		rawDays = 1
	}
	derivedDays := l.DerivedRetentionDays
	if derivedDays < rawDays {
		derivedDays = rawDays
	}

	sampleDir := filepath.Join(l.Root, "samples", sampleID)
	if err := os.MkdirAll(sampleDir, 0o755); err != nil {
		return "", fmt.Errorf("create sample dir: %w", err)
	}

	meta, err := l.buildSample(req, sampleID, sampleDir, capturedAt, rawDays, derivedDays)
	if err != nil {
		_ = os.RemoveAll(sampleDir)
		return "", err
	}

	if err := l.appendManifest(meta); err != nil {
		_ = os.RemoveAll(sampleDir)
		return "", err
	}

	l.logf("captured sample %s for job %s (%s)", sampleID, req.JobID, req.ToolType)
	return sampleID, nil
}

func (l *Ledger) buildSample(req CaptureRequest, sampleID, sampleDir string, capturedAt time.Time, rawDays, derivedDays int) (*Metadata, error) {
	inputRef, inputSize, err := copyIntoSample(req.InputFile, sampleDir, sampleID)
	if err != nil {
		return nil, fmt.Errorf("copy sample input: %w", err)
	}

	var outputs []fileRef
	var totalSize int64
	copied := 0
	for _, file := range req.OutputFiles {
		ref, size, err := copyIntoSample(file, sampleDir, sampleID)
		if err != nil {
			return nil, fmt.Errorf("copy sample output %s: %w", filepath.Base(file), err)
		}
		outputs = append(outputs, ref)
		totalSize += size
		copied++
	}
	if outputs == nil {
		outputs = []fileRef{}
	}

	var avg int64
	if copied > 0 {
		avg = totalSize / int64(copied)
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	meta := &Metadata{
		SampleID:           sampleID,
		JobID:              req.JobID,
		SessionFingerprint: Fingerprint(l.SessionSalt, req.SourceSessionID),
		ToolType:           req.ToolType,
		CaptureMode:        CaptureMode,
		PolicyVersion:      req.PolicyVersion,
		CapturedAt:         capturedAt.Format(time.RFC3339Nano),
		RawExpiresAt:       capturedAt.AddDate(0, 0, rawDays).Format(time.RFC3339Nano),
		DerivedExpiresAt:   capturedAt.AddDate(0, 0, derivedDays).Format(time.RFC3339Nano),
		Input:              inputRef,
		Outputs:            outputs,
		Params:             params,
	}
	meta.Outcome.OutputCount = len(outputs)
	meta.Features = featureSummary{
		InputSizeBytes:         inputSize,
		OutputCount:            len(req.OutputFiles),
		OutputSizeBytesTotal:   totalSize,
		OutputSizeBytesAverage: avg,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode sample metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sampleDir, "metadata.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write sample metadata: %w", err)
	}
	return meta, nil
}

func (l *Ledger) appendManifest(meta *Metadata) error {
	line, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode manifest line: %w", err)
	}

	l.manifestMu.Lock()
	defer l.manifestMu.Unlock()

	f, err := os.OpenFile(filepath.Join(l.Root, "manifest.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append manifest: %w", err)
	}
	return f.Close()
}

// copyIntoSample copies src into the sample directory, hashing it on the
// way through.
func copyIntoSample(src, sampleDir, sampleID string) (fileRef, int64, error) {
	name := filepath.Base(src)
	in, err := os.Open(src)
	if err != nil {
		return fileRef{}, 0, err
	}
	defer in.Close()

	out, err := os.Create(filepath.Join(sampleDir, name))
	if err != nil {
		return fileRef{}, 0, err
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hasher), in)
	if err != nil {
		_ = out.Close()
		return fileRef{}, 0, err
	}
	if err := out.Close(); err != nil {
		return fileRef{}, 0, err
	}

	return fileRef{
		Name:   name,
		Path:   fmt.Sprintf("samples/%s/%s", sampleID, name),
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, size, nil
}

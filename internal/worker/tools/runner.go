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

// Package tools implements the audio processing tools the worker exposes:
// stem isolation, mastering, key/BPM analysis, loudness reporting, and
// MIDI extraction. Each tool takes a staged source file and an output
// directory and reports the model that produced its artifacts.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tool type identifiers accepted in job requests.
const (
	ToolStemIsolation  = "stem_isolation"
	ToolMastering      = "mastering"
	ToolKeyBPM         = "key_bpm"
	ToolLoudnessReport = "loudness_report"
	ToolMIDIExtract    = "midi_extract"
)

// ErrUnsupportedTool indicates an unknown tool type.
var ErrUnsupportedTool = errors.New("unsupported tool type")

// Separator runs one stem separation model against a source file and
// returns the paths it produced.
type Separator interface {
	Separate(modelName, inputFile, outputDir string) ([]string, error)
}

// ScriptSeparator shells out to an external separation script. The script
// prints the produced file paths as a JSON array (or one per line) on
// stdout.
type ScriptSeparator struct {
	ScriptPath string

	// RunCommand is overridable in tests; defaults to exec.
	RunCommand func(name string, args ...string) (stdout, stderr []byte, err error)
}

// Separate implements Separator.
func (s *ScriptSeparator) Separate(modelName, inputFile, outputDir string) ([]string, error) {
	if strings.TrimSpace(s.ScriptPath) == "" {
		return nil, errors.New("SEPARATOR_SCRIPT_PATH is not configured")
	}
	run := s.RunCommand
	if run == nil {
		run = runCommand
	}
	stdout, stderr, err := run("python", s.ScriptPath,
		"--model", modelName,
		"--input", inputFile,
		"--output-dir", outputDir,
	)
	if err != nil {
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = strings.TrimSpace(string(stdout))
		}
		return nil, fmt.Errorf("separator failed: %s (%v)", detail, err)
	}
	return parseSeparatorOutput(stdout), nil
}

func parseSeparatorOutput(stdout []byte) []string {
	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var files []string
		if err := json.Unmarshal([]byte(trimmed), &files); err == nil {
			return files
		}
	}
	var files []string
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// Runner dispatches job tool types onto their implementations.
type Runner struct {
	Separator Separator
	Mastering *Mastering

	// ZipMethod selects stem bundle compression.
	ZipMethod uint16

	// Preferred separation checkpoint names.
	RoformerModel string
	DemucsModel   string
}

// Run executes the named tool and returns the resolved model identifier
// and the produced artifact paths.
func (r *Runner) Run(toolType, inputFile, outputDir string, params Params) (string, []string, error) {
	switch toolType {
	case ToolStemIsolation:
		return r.runStemIsolation(inputFile, outputDir, params)
	case ToolMastering:
		if r.Mastering == nil {
			return "", nil, errors.New("mastering engine is not configured")
		}
		return r.Mastering.Process(inputFile, outputDir, params)
	case ToolKeyBPM:
		return AnalyzeKeyBPM(inputFile, outputDir, params)
	case ToolLoudnessReport:
		return AnalyzeLoudness(inputFile, outputDir, params)
	case ToolMIDIExtract:
		return ExtractMIDI(inputFile, outputDir, params)
	}
	return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedTool, toolType)
}

// runStemIsolation tries each candidate separation model in order, then
// canonicalizes whatever the first successful model produced and bundles
// the stems into a zip.
func (r *Runner) runStemIsolation(inputFile, outputDir string, params Params) (string, []string, error) {
	if r.Separator == nil {
		return "", nil, errors.New("stem separator is not configured")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}

	stems := params.Int("stems", 4)
	preferred := params.String("fallbackModel", "mel_band_roformer")

	var (
		produced      []string
		resolvedModel string
		lastErr       error
	)
	for _, modelName := range StemModelCandidates(preferred, r.RoformerModel, r.DemucsModel) {
		files, err := r.Separator.Separate(modelName, inputFile, outputDir)
		if err != nil {
			lastErr = err
			continue
		}
		if len(files) == 0 {
			lastErr = errors.New("separator returned no files")
			continue
		}
		produced = files
		resolvedModel = modelName
		break
	}
	if len(produced) == 0 {
		suffix := ""
		if lastErr != nil {
			suffix = ": " + lastErr.Error()
		}
		return "", nil, fmt.Errorf("stem isolation model load/separation failed%s", suffix)
	}

	resolved := make([]string, len(produced))
	for i, p := range produced {
		resolved[i] = ResolveOutputFile(p, outputDir)
	}

	canonical, err := Canonicalize(inputFile, outputDir, resolved, stems)
	if err != nil {
		return "", nil, err
	}

	zipPath := filepath.Join(outputDir, fileStem(inputFile)+"-stems.zip")
	if err := BundleZip(zipPath, canonical, r.ZipMethod); err != nil {
		return "", nil, err
	}

	return resolvedModel, append(canonical, zipPath), nil
}

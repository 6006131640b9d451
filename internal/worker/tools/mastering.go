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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"soundmaxx/internal/worker/audio"
)

// MasteringConfig selects the mastering engine order and external engine
// entry points.
type MasteringConfig struct {
	// RequestedEngine is "matchering_2_0" or "sonicmaster"; it is tried
	// first, the other second, and adaptive DSP last.
	RequestedEngine string

	// Script paths for the external engines. Empty means unavailable.
	SonicmasterScript string
	MatcheringScript  string
}

// Mastering runs the mastering engine cascade. Every candidate engine is
// tried until one yields output that is audibly distinct from the source;
// a silent passthrough from an engine is treated as a failure.
type Mastering struct {
	Config MasteringConfig

	// RunCommand executes an external engine script. Overridable in tests.
	RunCommand func(name string, args ...string) (stdout, stderr []byte, err error)
}

// NewMastering returns a Mastering configured from cfg.
func NewMastering(cfg MasteringConfig) *Mastering {
	return &Mastering{Config: cfg, RunCommand: runCommand}
}

func runCommand(name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".aac":  true,
	".m4a":  true,
	".aif":  true,
	".aiff": true,
}

func isAudioPath(path string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(path))]
}

// Process masters inputFile into outputDir, returning the engine that
// produced the accepted output and its files.
func (m *Mastering) Process(inputFile, outputDir string, params Params) (string, []string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}

	requested := strings.ToLower(strings.TrimSpace(m.Config.RequestedEngine))
	if requested == "" {
		requested = "matchering_2_0"
	}
	candidates := []string{"matchering_2_0", "sonicmaster"}
	if requested == "sonicmaster" {
		candidates = []string{"sonicmaster", "matchering_2_0"}
	}
	candidates = append(candidates, "adaptive_dsp_mastering")

	var engineErrors []string
	for _, engine := range candidates {
		var (
			model string
			files []string
			err   error
		)
		switch engine {
		case "sonicmaster":
			model, files, err = m.runSonicmaster(inputFile, outputDir, params)
		case "matchering_2_0":
			model, files, err = m.runMatchering(inputFile, outputDir, params)
		default:
			model, files, err = masterAdaptive(inputFile, outputDir, params)
		}
		if err == nil {
			err = validateMasteredOutput(inputFile, files)
		}
		if err != nil {
			engineErrors = append(engineErrors, fmt.Sprintf("%s: %v", engine, err))
			continue
		}
		return model, files, nil
	}

	summary := strings.Join(engineErrors, "; ")
	if len(summary) > 1200 {
		summary = summary[:1200]
	}
	return "", nil, fmt.Errorf("mastering failed across all engines (%s): %s", requested, summary)
}

func validateMasteredOutput(inputFile string, files []string) error {
	var mastered string
	for _, f := range files {
		if isAudioPath(f) {
			mastered = f
			break
		}
	}
	if mastered == "" {
		return errors.New("mastering engine returned no audio artifact")
	}
	if _, err := os.Stat(mastered); err != nil {
		return errors.New("mastering output file is missing")
	}
	distinct, err := masteredIsDistinct(inputFile, mastered)
	if err != nil {
		return err
	}
	if !distinct {
		return errors.New("mastering output is effectively unchanged from source audio")
	}
	return nil
}

// masteredIsDistinct reports whether candidate audibly differs from the
// source. Differing file sizes, sample rates, or shapes are automatically
// distinct; otherwise the mean absolute sample delta decides. Two empty
// buffers are never distinct.
func masteredIsDistinct(source, candidate string) (bool, error) {
	srcInfo, errA := os.Stat(source)
	candInfo, errB := os.Stat(candidate)
	if errA == nil && errB == nil && srcInfo.Size() != candInfo.Size() {
		return true, nil
	}

	src, err := audio.ReadFile(source)
	if err != nil {
		return false, err
	}
	cand, err := audio.ReadFile(candidate)
	if err != nil {
		return false, err
	}

	if src.SampleRate != cand.SampleRate {
		return true, nil
	}
	if src.Frames != cand.Frames || src.Channels != cand.Channels {
		return true, nil
	}
	if src.Empty() || cand.Empty() {
		return false, nil
	}

	var deltaSum float64
	for i := range src.Data {
		deltaSum += math.Abs(float64(src.Data[i] - cand.Data[i]))
	}
	meanAbsDelta := deltaSum / float64(len(src.Data))
	baseline := src.MeanAbs()
	relative := meanAbsDelta / math.Max(baseline, 1e-8)
	return meanAbsDelta >= 1e-5 || relative >= 5e-4, nil
}

// masterAdaptive is the built-in engine of last resort: saturation with an
// intensity-scaled wet mix plus a high-frequency tilt, normalized to the
// standard peak target. It cannot return a passthrough; if the shaping
// collapses to the identity the output is attenuated slightly instead.
func masterAdaptive(inputFile, outputDir string, params Params) (string, []string, error) {
	masteredPath := filepath.Join(outputDir, fileStem(inputFile)+"-mastered.wav")
	reportPath := filepath.Join(outputDir, "mastering-report.json")

	src, err := audio.ReadFile(inputFile)
	if err != nil {
		return "", nil, err
	}
	if src.Empty() {
		return "", nil, errors.New("input audio is empty")
	}

	intensity := params.Float("intensity", 50)
	intensity = math.Max(0, math.Min(100, intensity))
	wet := 0.35 + 0.55*(intensity/100)
	drive := 1.0 + 2.2*(intensity/100)

	shaped := audio.NewBuffer(src.Frames, src.Channels, src.SampleRate)
	for i, v := range src.Data {
		shaped.Data[i] = float32(math.Tanh(float64(v) * drive))
	}
	if peak := shaped.Peak(); peak > 0 {
		scale := float32(audio.PeakTarget) / peak
		for i := range shaped.Data {
			shaped.Data[i] *= scale
		}
	}

	mastered := audio.NewBuffer(src.Frames, src.Channels, src.SampleRate)
	for i := range src.Data {
		mastered.Data[i] = src.Data[i]*float32(1-wet) + shaped.Data[i]*float32(wet)
	}

	// High-frequency tilt via a first difference along the frame axis.
	if mastered.Frames > 1 {
		tilt := float32(0.04 + 0.12*(intensity/100))
		prev := make([]float32, mastered.Channels)
		for ch := 0; ch < mastered.Channels; ch++ {
			prev[ch] = mastered.At(0, ch)
		}
		for fr := 0; fr < mastered.Frames; fr++ {
			for ch := 0; ch < mastered.Channels; ch++ {
				cur := mastered.At(fr, ch)
				var before float32
				if fr == 0 {
					before = cur
				} else {
					before = prev[ch]
				}
				prev[ch] = cur
				mastered.Set(fr, ch, cur+(cur-before)*tilt)
			}
		}
	}

	for i, v := range mastered.Data {
		mastered.Data[i] = float32(math.Tanh(float64(v) * 1.05))
	}
	if peak := mastered.Peak(); peak > 0 {
		scale := float32(audio.PeakTarget) / peak
		for i := range mastered.Data {
			mastered.Data[i] *= scale
		}
	}

	var deltaSum float64
	for i := range mastered.Data {
		deltaSum += math.Abs(float64(mastered.Data[i] - src.Data[i]))
	}
	if deltaSum/float64(len(mastered.Data)) < 1e-5 {
		for i, v := range src.Data {
			out := v * 0.995
			if out > 1 {
				out = 1
			} else if out < -1 {
				out = -1
			}
			mastered.Data[i] = out
		}
	}

	if err := audio.WriteFile(masteredPath, mastered); err != nil {
		return "", nil, err
	}

	report := map[string]any{
		"preset":         params.String("preset", "streaming_clean"),
		"intensity":      intensity,
		"engine":         "adaptive_dsp_mastering",
		"inputPeakDbfs":  peakDbfs(src.Peak()),
		"outputPeakDbfs": peakDbfs(mastered.Peak()),
	}
	if err := writeJSONReport(reportPath, report); err != nil {
		return "", nil, err
	}
	return "adaptive_dsp_mastering", []string{masteredPath, reportPath}, nil
}

func peakDbfs(peak float32) float64 {
	return 20 * math.Log10(math.Max(float64(peak), 1e-8))
}

func writeJSONReport(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func (m *Mastering) runSonicmaster(inputFile, outputDir string, params Params) (string, []string, error) {
	script := strings.TrimSpace(m.Config.SonicmasterScript)
	if script == "" {
		return "", nil, errors.New("SONICMASTER_SCRIPT_PATH must be set when MASTERING_ENGINE=sonicmaster")
	}

	masteredPath := filepath.Join(outputDir, fileStem(inputFile)+"-mastered.wav")
	reportPath := filepath.Join(outputDir, "mastering-report.json")

	run := m.RunCommand
	if run == nil {
		run = runCommand
	}
	stdout, stderr, err := run("python", script,
		"--input", inputFile,
		"--output", masteredPath,
		"--preset", params.String("preset", "streaming_clean"),
		"--intensity", fmt.Sprintf("%g", params.Float("intensity", 50)),
	)
	if err != nil {
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = strings.TrimSpace(string(stdout))
		}
		return "", nil, fmt.Errorf("sonicmaster failed: %s (%v)", detail, err)
	}

	report := map[string]any{
		"preset":    params.String("preset", "streaming_clean"),
		"intensity": params.Float("intensity", 50),
		"engine":    "sonicmaster",
		"stdout":    strings.TrimSpace(string(stdout)),
	}
	if err := writeJSONReport(reportPath, report); err != nil {
		return "", nil, err
	}
	return "sonicmaster", []string{masteredPath, reportPath}, nil
}

func (m *Mastering) runMatchering(inputFile, outputDir string, params Params) (string, []string, error) {
	script := strings.TrimSpace(m.Config.MatcheringScript)
	if script == "" {
		return "", nil, errors.New("MATCHERING_SCRIPT_PATH is not configured")
	}

	masteredPath := filepath.Join(outputDir, fileStem(inputFile)+"-mastered.wav")
	reportPath := filepath.Join(outputDir, "mastering-report.json")
	reference := params.String("referencePath", inputFile)

	run := m.RunCommand
	if run == nil {
		run = runCommand
	}
	stdout, stderr, err := run("python", script,
		"--target", inputFile,
		"--reference", reference,
		"--result", masteredPath,
	)
	if err != nil {
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = strings.TrimSpace(string(stdout))
		}
		return "", nil, fmt.Errorf("matchering failed: %s (%v)", detail, err)
	}

	report := map[string]any{
		"preset":    params.String("preset", "streaming_clean"),
		"intensity": params.Float("intensity", 50),
		"engine":    "matchering_2_0",
	}
	if err := writeJSONReport(reportPath, report); err != nil {
		return "", nil, err
	}
	return "matchering_2_0", []string{masteredPath, reportPath}, nil
}

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

// Package training aggregates the dataset manifest into lightweight
// per-tool parameter recommendations. Each cycle reads manifest rows
// captured inside the window and writes a timestamped recommender
// artifact.
package training

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"
)

// StemRecommendation summarizes recent stem isolation usage.
type StemRecommendation struct {
	RecommendedStems   int    `json:"recommended_stems"`
	RecommendedVariant string `json:"recommended_variant"`
	Samples            int    `json:"samples"`
}

// MasteringRecommendation summarizes recent mastering usage.
type MasteringRecommendation struct {
	RecommendedPreset    string  `json:"recommended_preset"`
	RecommendedIntensity float64 `json:"recommended_intensity"`
	Samples              int     `json:"samples"`
}

// MIDIRecommendation summarizes recent MIDI extraction usage.
type MIDIRecommendation struct {
	RecommendedSensitivity float64 `json:"recommended_sensitivity"`
	Samples                int     `json:"samples"`
}

// Recommendations is the per-tool output of one training cycle.
type Recommendations struct {
	StemIsolation StemRecommendation      `json:"stem_isolation"`
	Mastering     MasteringRecommendation `json:"mastering"`
	MIDIExtract   MIDIRecommendation      `json:"midi_extract"`
}

// Result reports one completed training cycle.
type Result struct {
	Artifact        string          `json:"artifact"`
	RowsUsed        int             `json:"rows_used"`
	Recommendations Recommendations `json:"recommendations"`
}

type artifactPayload struct {
	GeneratedAt     string          `json:"generated_at"`
	WindowStart     string          `json:"window_start"`
	WindowEnd       string          `json:"window_end"`
	RowsUsed        int             `json:"rows_used"`
	Recommendations Recommendations `json:"recommendations"`
}

// manifestRow is the subset of a dataset manifest line the aggregator
// needs.
type manifestRow struct {
	ToolType   string         `json:"tool_type"`
	CapturedAt string         `json:"captured_at"`
	Params     map[string]any `json:"params"`
}

// Aggregator runs training cycles over the dataset manifest.
type Aggregator struct {
	DatasetRoot       string
	ModelArtifactRoot string
	Logger            *log.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New returns an Aggregator over the given roots.
func New(datasetRoot, modelArtifactRoot string, logger *log.Logger) *Aggregator {
	return &Aggregator{
		DatasetRoot:       datasetRoot,
		ModelArtifactRoot: modelArtifactRoot,
		Logger:            logger,
		now:               time.Now,
	}
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

// RunCycle aggregates manifest rows captured in the trailing window and
// writes the recommender artifact. Malformed manifest lines are skipped,
// never fatal.
func (a *Aggregator) RunCycle(windowHours int) (Result, error) {
	if windowHours < 1 {
		windowHours = 1
	}
	end := a.nowUTC()
	start := end.Add(-time.Duration(windowHours) * time.Hour)

	rows := a.loadManifestRows(start, end)
	recs := buildRecommendations(rows)

	payload := artifactPayload{
		GeneratedAt:     end.Format(time.RFC3339Nano),
		WindowStart:     start.Format(time.RFC3339Nano),
		WindowEnd:       end.Format(time.RFC3339Nano),
		RowsUsed:        len(rows),
		Recommendations: recs,
	}

	if err := os.MkdirAll(a.ModelArtifactRoot, 0o755); err != nil {
		return Result{}, fmt.Errorf("create model artifact root: %w", err)
	}
	filename := fmt.Sprintf("lightweight-recommenders-%sZ.json", end.Format("20060102T150405"))
	artifact := filepath.Join(a.ModelArtifactRoot, filename)

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode recommender artifact: %w", err)
	}
	if err := os.WriteFile(artifact, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write recommender artifact: %w", err)
	}

	a.logf("training cycle used %d rows, wrote %s", len(rows), filename)
	return Result{Artifact: artifact, RowsUsed: len(rows), Recommendations: recs}, nil
}

func (a *Aggregator) nowUTC() time.Time {
	if a.now != nil {
		return a.now().UTC()
	}
	return time.Now().UTC()
}

func (a *Aggregator) loadManifestRows(start, end time.Time) []manifestRow {
	f, err := os.Open(filepath.Join(a.DatasetRoot, "manifest.jsonl"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []manifestRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row manifestRow
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		capturedAt, ok := parseTimestamp(row.CapturedAt)
		if !ok {
			continue
		}
		if capturedAt.Before(start) || capturedAt.After(end) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds.
func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func buildRecommendations(rows []manifestRow) Recommendations {
	var (
		stemRows, masteringRows, midiRows int

		stemCounts    []int
		stemVariants  []string
		presets       []string
		intensities   []float64
		sensitivities []float64
	)
	for _, row := range rows {
		switch row.ToolType {
		case "stem_isolation":
			stemRows++
			if v, ok := numberParam(row.Params, "stems"); ok && v == math.Trunc(v) {
				stemCounts = append(stemCounts, int(v))
			}
			if v, ok := row.Params["fallbackModel"].(string); ok {
				stemVariants = append(stemVariants, v)
			}
		case "mastering":
			masteringRows++
			if v, ok := row.Params["preset"].(string); ok {
				presets = append(presets, v)
			}
			if v, ok := numberParam(row.Params, "intensity"); ok {
				intensities = append(intensities, v)
			}
		case "midi_extract":
			midiRows++
			if v, ok := numberParam(row.Params, "sensitivity"); ok {
				sensitivities = append(sensitivities, v)
			}
		}
	}

	return Recommendations{
		StemIsolation: StemRecommendation{
			RecommendedStems:   modeInt(stemCounts, 4),
			RecommendedVariant: modeString(stemVariants, "mel_band_roformer"),
			Samples:            stemRows,
		},
		Mastering: MasteringRecommendation{
			RecommendedPreset:    modeString(presets, "streaming_clean"),
			RecommendedIntensity: round(avg(intensities, 60), 2),
			Samples:              masteringRows,
		},
		MIDIExtract: MIDIRecommendation{
			RecommendedSensitivity: round(avg(sensitivities, 0.5), 3),
			Samples:                midiRows,
		},
	}
}

func numberParam(params map[string]any, name string) (float64, bool) {
	switch v := params[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// modeInt returns the most frequent value, ties broken by first
// appearance.
func modeInt(values []int, fallback int) int {
	if len(values) == 0 {
		return fallback
	}
	counts := map[int]int{}
	var order []int
	for _, v := range values {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best, bestCount := fallback, 0
	for _, v := range order {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}

func modeString(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	counts := map[string]int{}
	var order []string
	for _, v := range values {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best, bestCount := fallback, 0
	for _, v := range order {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}

func avg(values []float64, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

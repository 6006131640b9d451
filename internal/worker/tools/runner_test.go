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
	"archive/zip"
	"errors"
	"path/filepath"
	"testing"
)

func TestParams(t *testing.T) {
	p := Params{
		"stems":       float64(2), // JSON numbers decode as float64
		"intensity":   "75",
		"preset":      "warm_analog",
		"chords":      true,
		"sensitivity": float64(0.8),
	}

	if got := p.Int("stems", 4); got != 2 {
		t.Errorf("Int(stems) = %d", got)
	}
	if got := p.Int("missing", 4); got != 4 {
		t.Errorf("Int(missing) = %d", got)
	}
	if got := p.Float("intensity", 50); got != 75 {
		t.Errorf("Float(intensity) = %g", got)
	}
	if got := p.Float("sensitivity", 0.5); got != 0.8 {
		t.Errorf("Float(sensitivity) = %g", got)
	}
	if got := p.String("preset", "streaming_clean"); got != "warm_analog" {
		t.Errorf("String(preset) = %s", got)
	}
	if got := p.String("missing", "streaming_clean"); got != "streaming_clean" {
		t.Errorf("String(missing) = %s", got)
	}
	if !p.Bool("chords", false) {
		t.Error("Bool(chords) should be true")
	}
	if p.Bool("missing", false) {
		t.Error("Bool(missing) should fall back")
	}
}

// recordingSeparator fails for every model before succeeding, recording
// the order models were tried in.
type recordingSeparator struct {
	t           *testing.T
	failUntil   int
	tried       []string
	produceDir  string
	produceBase string
}

func (s *recordingSeparator) Separate(modelName, inputFile, outputDir string) ([]string, error) {
	s.tried = append(s.tried, modelName)
	if len(s.tried) <= s.failUntil {
		return nil, errors.New("checkpoint download failed")
	}

	vocals := filepath.Join(s.produceDir, s.produceBase+"_vocals.wav")
	instrumental := filepath.Join(s.produceDir, s.produceBase+"_instrumental.wav")
	writeTone(s.t, vocals, 880, 1024, 1, 44100, 0.3)
	writeTone(s.t, instrumental, 220, 1024, 1, 44100, 0.3)
	return []string{vocals, instrumental}, nil
}

func TestRunnerStemIsolationModelCascade(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "song.wav")
	writeTone(t, input, 440, 1024, 1, 44100, 0.5)

	sep := &recordingSeparator{t: t, failUntil: 1, produceDir: dir, produceBase: "song"}
	r := &Runner{
		Separator:     sep,
		ZipMethod:     zip.Store,
		RoformerModel: "primary.ckpt",
		DemucsModel:   "demucs.onnx",
	}

	model, files, err := r.Run(ToolStemIsolation, input, dir, Params{"stems": float64(2)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if model != "UVR-MDX-NET-Inst_HQ_5.onnx" {
		t.Fatalf("expected second candidate after first failure, got %s", model)
	}
	if len(sep.tried) != 2 || sep.tried[0] != "primary.ckpt" {
		t.Fatalf("unexpected model order: %v", sep.tried)
	}
	if len(files) != 3 {
		t.Fatalf("expected 2 stems + zip, got %d", len(files))
	}
	if filepath.Base(files[2]) != "song-stems.zip" {
		t.Fatalf("unexpected bundle name: %s", filepath.Base(files[2]))
	}
}

func TestRunnerStemIsolationAllModelsFail(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "song.wav")
	writeTone(t, input, 440, 1024, 1, 44100, 0.5)

	sep := &recordingSeparator{t: t, failUntil: 99, produceDir: dir, produceBase: "song"}
	r := &Runner{Separator: sep, ZipMethod: zip.Store}

	_, _, err := r.Run(ToolStemIsolation, input, dir, Params{})
	if err == nil {
		t.Fatal("expected failure when every model fails")
	}
}

func TestRunnerUnsupportedTool(t *testing.T) {
	r := &Runner{}
	_, _, err := r.Run("autotune", "in.wav", t.TempDir(), Params{})
	if !errors.Is(err, ErrUnsupportedTool) {
		t.Fatalf("expected ErrUnsupportedTool, got %v", err)
	}
}

func TestParseSeparatorOutput(t *testing.T) {
	jsonOut := []byte("[\"/out/a.wav\", \"/out/b.wav\"]\n")
	if got := parseSeparatorOutput(jsonOut); len(got) != 2 || got[1] != "/out/b.wav" {
		t.Fatalf("json output mangled: %v", got)
	}

	lines := []byte("/out/a.wav\n/out/b.wav\n")
	got := parseSeparatorOutput(lines)
	if len(got) != 2 || got[0] != "/out/a.wav" {
		t.Fatalf("unexpected files: %v", got)
	}

	if got := parseSeparatorOutput([]byte("  \n")); got != nil {
		t.Fatalf("blank output should yield nil, got %v", got)
	}
}

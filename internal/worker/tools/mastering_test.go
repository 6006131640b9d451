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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"soundmaxx/internal/worker/audio"
)

func TestMasteredIsDistinct(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.wav")
	writeTone(t, src, 440, 2048, 1, 44100, 0.5)

	same := filepath.Join(dir, "same.wav")
	buf, err := audio.ReadFile(src)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := audio.WriteFile(same, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	distinct, err := masteredIsDistinct(src, same)
	if err != nil {
		t.Fatalf("masteredIsDistinct: %v", err)
	}
	if distinct {
		t.Fatal("byte-identical audio must not count as distinct")
	}

	changed := filepath.Join(dir, "changed.wav")
	mod := buf.Clone()
	for i := range mod.Data {
		mod.Data[i] *= 0.9
	}
	if err := audio.WriteFile(changed, mod); err != nil {
		t.Fatalf("write: %v", err)
	}
	distinct, err = masteredIsDistinct(src, changed)
	if err != nil {
		t.Fatalf("masteredIsDistinct: %v", err)
	}
	if !distinct {
		t.Fatal("attenuated audio must count as distinct")
	}
}

func TestAdaptiveMastering(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mix.wav")
	writeTone(t, src, 440, 4096, 2, 44100, 0.6)

	model, files, err := masterAdaptive(src, dir, Params{"intensity": float64(70)})
	if err != nil {
		t.Fatalf("masterAdaptive: %v", err)
	}
	if model != "adaptive_dsp_mastering" {
		t.Fatalf("model = %s", model)
	}
	if len(files) != 2 {
		t.Fatalf("expected mastered audio + report, got %d files", len(files))
	}

	distinct, err := masteredIsDistinct(src, files[0])
	if err != nil {
		t.Fatalf("masteredIsDistinct: %v", err)
	}
	if !distinct {
		t.Fatal("adaptive mastering must never return a passthrough")
	}

	data, err := os.ReadFile(files[1])
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if report["engine"] != "adaptive_dsp_mastering" {
		t.Fatalf("report engine = %v", report["engine"])
	}
	if _, ok := report["inputPeakDbfs"]; !ok {
		t.Fatal("report should include input peak")
	}
}

func TestMasteringCascadeFallsBackToAdaptive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mix.wav")
	writeTone(t, src, 440, 2048, 1, 44100, 0.5)

	// Neither external engine is configured, so the cascade must land on
	// the built-in engine.
	m := NewMastering(MasteringConfig{RequestedEngine: "matchering_2_0"})
	model, files, err := m.Process(src, filepath.Join(dir, "out"), Params{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if model != "adaptive_dsp_mastering" {
		t.Fatalf("expected adaptive fallback, got %s", model)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
}

func TestMasteringSonicmasterPreferred(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mix.wav")
	writeTone(t, src, 440, 2048, 1, 44100, 0.5)

	m := NewMastering(MasteringConfig{
		RequestedEngine:   "sonicmaster",
		SonicmasterScript: "/opt/sonicmaster/run.py",
	})
	m.RunCommand = func(name string, args ...string) ([]byte, []byte, error) {
		var output string
		for i := 0; i < len(args)-1; i++ {
			if args[i] == "--output" {
				output = args[i+1]
			}
		}
		buf, err := audio.ReadFile(src)
		if err != nil {
			t.Fatalf("helper read: %v", err)
		}
		for i := range buf.Data {
			buf.Data[i] *= 0.8
		}
		if err := audio.WriteFile(output, buf); err != nil {
			t.Fatalf("helper write: %v", err)
		}
		return []byte("mastered ok"), nil, nil
	}

	model, files, err := m.Process(src, filepath.Join(dir, "out"), Params{"preset": "warm_analog"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if model != "sonicmaster" {
		t.Fatalf("model = %s, want sonicmaster", model)
	}

	data, err := os.ReadFile(files[1])
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if report["preset"] != "warm_analog" {
		t.Fatalf("report preset = %v", report["preset"])
	}
	if report["stdout"] != "mastered ok" {
		t.Fatalf("report stdout = %v", report["stdout"])
	}
}

func TestMasteringAllEnginesFail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.wav")
	if err := os.WriteFile(src, []byte("not a wav"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewMastering(MasteringConfig{RequestedEngine: "matchering_2_0"})
	_, _, err := m.Process(src, filepath.Join(dir, "out"), Params{})
	if err == nil {
		t.Fatal("expected cascade failure")
	}
	if !strings.Contains(err.Error(), "mastering failed across all engines") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "matchering_2_0") {
		t.Fatalf("error should name the requested engine: %v", err)
	}
}

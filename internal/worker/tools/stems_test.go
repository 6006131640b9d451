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
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"soundmaxx/internal/worker/audio"
)

func writeTone(t *testing.T, path string, freqHz float64, frames, channels, sampleRate int, amplitude float64) {
	t.Helper()
	b := audio.NewBuffer(frames, channels, sampleRate)
	for fr := 0; fr < frames; fr++ {
		v := float32(amplitude * math.Sin(2*math.Pi*freqHz*float64(fr)/float64(sampleRate)))
		for ch := 0; ch < channels; ch++ {
			b.Set(fr, ch, v)
		}
	}
	if err := audio.WriteFile(path, b); err != nil {
		t.Fatalf("write tone %s: %v", path, err)
	}
}

func TestStemModelCandidates(t *testing.T) {
	got := StemModelCandidates("mel_band_roformer", "custom_roformer.ckpt", "custom_demucs.onnx")
	want := []string{
		"custom_roformer.ckpt",
		"UVR-MDX-NET-Inst_HQ_5.onnx",
		"UVR-MDX-NET-Inst_HQ_3.onnx",
		"mel_band_roformer_karaoke_aufr33_viperx_sdr_10.1956.ckpt",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: got %s, want %s", i, got[i], want[i])
		}
	}

	demucs := StemModelCandidates("demucs_v4", "custom_roformer.ckpt", "custom_demucs.onnx")
	if demucs[0] != "custom_demucs.onnx" {
		t.Fatalf("demucs_v4 should prefer the demucs checkpoint, got %s", demucs[0])
	}

	// A preferred name that is already a stable fallback must not repeat.
	deduped := StemModelCandidates("mel_band_roformer", "UVR-MDX-NET-Inst_HQ_5.onnx", "")
	if len(deduped) != 3 {
		t.Fatalf("expected 3 deduped candidates, got %v", deduped)
	}
}

func TestZipMethod(t *testing.T) {
	if ZipMethod("deflate") != zip.Deflate || ZipMethod("Compressed") != zip.Deflate {
		t.Fatal("deflate settings should map to DEFLATE")
	}
	if ZipMethod("stored") != zip.Store || ZipMethod("") != zip.Store || ZipMethod("anything") != zip.Store {
		t.Fatal("everything else should map to STORED")
	}
}

func TestCanonicalizeFourStems(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "track.wav")
	writeTone(t, input, 440, 2048, 1, 44100, 0.5)

	var produced []string
	for _, name := range []string{"model_vocals.wav", "model_drums.wav", "model_bass.wav", "model_other.wav"} {
		path := filepath.Join(dir, name)
		writeTone(t, path, 220, 2048, 1, 44100, 0.3)
		produced = append(produced, path)
	}

	got, err := Canonicalize(input, dir, produced, 4)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := []string{"track-vocals.wav", "track-drums.wav", "track-bass.wav", "track-other.wav"}
	if len(got) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(got), len(want))
	}
	for i, name := range want {
		if filepath.Base(got[i]) != name {
			t.Errorf("output %d: got %s, want %s", i, filepath.Base(got[i]), name)
		}
		if _, err := os.Stat(got[i]); err != nil {
			t.Errorf("output %s missing: %v", name, err)
		}
	}
}

func TestCanonicalizeSynthesizesMissingStems(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "track.wav")
	writeTone(t, input, 440, 4096, 1, 44100, 0.5)

	vocals := filepath.Join(dir, "track_vocals.wav")
	instrumental := filepath.Join(dir, "track_instrumental.wav")
	writeTone(t, vocals, 880, 4096, 1, 44100, 0.3)
	// The accompaniment mixes low and high content for the band split.
	acc := audio.NewBuffer(4096, 1, 44100)
	for fr := 0; fr < 4096; fr++ {
		low := 0.3 * math.Sin(2*math.Pi*100*float64(fr)/44100)
		mid := 0.3 * math.Sin(2*math.Pi*3000*float64(fr)/44100)
		acc.Set(fr, 0, float32(low+mid))
	}
	if err := audio.WriteFile(instrumental, acc); err != nil {
		t.Fatalf("write accompaniment: %v", err)
	}

	got, err := Canonicalize(input, dir, []string{vocals, instrumental}, 4)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 synthesized stems, got %d", len(got))
	}

	bass, err := audio.ReadFile(filepath.Join(dir, "track-bass.wav"))
	if err != nil {
		t.Fatalf("read bass: %v", err)
	}
	if bass.MeanAbs() < 0.01 {
		t.Fatal("synthesized bass should carry the 100 Hz content")
	}
}

func TestCanonicalizeMissingStemsError(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "track.wav")
	writeTone(t, input, 440, 1024, 1, 44100, 0.5)

	drums := filepath.Join(dir, "just_drums.wav")
	writeTone(t, drums, 200, 1024, 1, 44100, 0.3)

	_, err := Canonicalize(input, dir, []string{drums}, 4)
	var missing *MissingStemsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingStemsError, got %v", err)
	}
	if len(missing.Missing) == 0 {
		t.Fatal("error should name the missing stems")
	}
}

func TestCanonicalizeTwoStem(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "track.wav")
	writeTone(t, input, 440, 1024, 1, 44100, 0.5)

	vocals := filepath.Join(dir, "out_vocals.wav")
	noVocals := filepath.Join(dir, "out_no_vocals.wav")
	writeTone(t, vocals, 880, 1024, 1, 44100, 0.3)
	writeTone(t, noVocals, 220, 1024, 1, 44100, 0.3)

	got, err := Canonicalize(input, dir, []string{vocals, noVocals}, 2)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(got))
	}
	if filepath.Base(got[0]) != "track-vocals.wav" || filepath.Base(got[1]) != "track-accompaniment.wav" {
		t.Fatalf("unexpected names: %s, %s", filepath.Base(got[0]), filepath.Base(got[1]))
	}
}

func TestCanonicalizeTwoStemMixesRemaining(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "track.wav")
	writeTone(t, input, 440, 1024, 1, 44100, 0.5)

	// No output matches the accompaniment keywords, so the remaining
	// stems are mixed down instead.
	vocals := filepath.Join(dir, "out_vocals.wav")
	keys := filepath.Join(dir, "out_keys.wav")
	pads := filepath.Join(dir, "out_pads.wav")
	writeTone(t, vocals, 880, 1024, 1, 44100, 0.3)
	writeTone(t, keys, 220, 1024, 1, 44100, 0.3)
	writeTone(t, pads, 330, 1024, 1, 44100, 0.3)

	got, err := Canonicalize(input, dir, []string{vocals, keys, pads}, 2)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	mix, err := audio.ReadFile(got[1])
	if err != nil {
		t.Fatalf("read accompaniment mix: %v", err)
	}
	if mix.MeanAbs() < 0.01 {
		t.Fatal("accompaniment mix should not be silent")
	}
}

func TestCanonicalizeNoFiles(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "track.wav")
	_, err := Canonicalize(input, dir, []string{filepath.Join(dir, "ghost.wav")}, 4)
	if err == nil {
		t.Fatal("expected error when no produced files exist")
	}
}

func TestBuildStemTimeoutFallbackFourStems(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "song.wav")
	writeTone(t, input, 440, 4096, 2, 44100, 0.5)

	outputDir := filepath.Join(dir, "out")
	model, files, err := BuildStemTimeoutFallback(input, outputDir, 4, zip.Store)
	if err != nil {
		t.Fatalf("BuildStemTimeoutFallback: %v", err)
	}
	if model != FallbackModel {
		t.Fatalf("model = %s, want %s", model, FallbackModel)
	}
	if len(files) != 5 {
		t.Fatalf("expected 4 stems + zip, got %d files", len(files))
	}

	wantNames := []string{"song-vocals.wav", "song-drums.wav", "song-bass.wav", "song-other.wav", "song-stems.zip"}
	for i, name := range wantNames {
		if filepath.Base(files[i]) != name {
			t.Errorf("file %d: got %s, want %s", i, filepath.Base(files[i]), name)
		}
	}

	zr, err := zip.OpenReader(files[4])
	if err != nil {
		t.Fatalf("open stem bundle: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 4 {
		t.Fatalf("bundle should hold 4 stems, got %d", len(zr.File))
	}

	// A 440 Hz tone lands in the vocals band.
	vocals, err := audio.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read vocals: %v", err)
	}
	if vocals.MeanAbs() < 0.05 {
		t.Fatal("vocals band should carry the 440 Hz tone")
	}
}

func TestBuildStemTimeoutFallbackTwoStems(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "song.wav")
	writeTone(t, input, 440, 2048, 1, 44100, 0.5)

	model, files, err := BuildStemTimeoutFallback(input, filepath.Join(dir, "out"), 2, zip.Store)
	if err != nil {
		t.Fatalf("BuildStemTimeoutFallback: %v", err)
	}
	if model != FallbackModel {
		t.Fatalf("model = %s, want %s", model, FallbackModel)
	}
	if len(files) != 3 {
		t.Fatalf("expected vocals + accompaniment + zip, got %d files", len(files))
	}
	if !strings.HasSuffix(files[1], "song-accompaniment.wav") {
		t.Fatalf("unexpected second stem: %s", files[1])
	}
}

func TestResolveOutputFile(t *testing.T) {
	dir := t.TempDir()
	inDir := filepath.Join(dir, "present.wav")
	writeTone(t, inDir, 440, 256, 1, 44100, 0.2)

	if got := ResolveOutputFile("present.wav", dir); got != inDir {
		t.Fatalf("bare name should resolve into the output dir, got %s", got)
	}
	if got := ResolveOutputFile(inDir, dir); got != inDir {
		t.Fatalf("existing absolute path should pass through, got %s", got)
	}
	if got := ResolveOutputFile("elsewhere/missing.wav", dir); got != "elsewhere/missing.wav" {
		t.Fatalf("unresolvable path should pass through, got %s", got)
	}
}

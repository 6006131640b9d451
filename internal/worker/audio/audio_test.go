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

package audio

import (
	"math"
	"path/filepath"
	"testing"
)

func sineBuffer(freqHz float64, frames, channels, sampleRate int, amplitude float64) *Buffer {
	b := NewBuffer(frames, channels, sampleRate)
	for fr := 0; fr < frames; fr++ {
		v := float32(amplitude * math.Sin(2*math.Pi*freqHz*float64(fr)/float64(sampleRate)))
		for ch := 0; ch < channels; ch++ {
			b.Set(fr, ch, v)
		}
	}
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")

	src := sineBuffer(440, 4096, 2, 44100, 0.5)
	if err := WriteFile(path, src); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got.Frames != src.Frames || got.Channels != src.Channels || got.SampleRate != src.SampleRate {
		t.Fatalf("shape mismatch: got %dx%d@%d want %dx%d@%d",
			got.Frames, got.Channels, got.SampleRate, src.Frames, src.Channels, src.SampleRate)
	}
	for i := range src.Data {
		delta := math.Abs(float64(got.Data[i] - src.Data[i]))
		if delta > 1e-4 {
			t.Fatalf("sample %d drifted by %g after 24-bit round trip", i, delta)
		}
	}
}

func TestPeakLimit(t *testing.T) {
	b := sineBuffer(100, 1024, 1, 8000, 1.5)
	b.PeakLimit(PeakTarget)
	if peak := b.Peak(); peak > PeakTarget+1e-6 {
		t.Fatalf("peak %g exceeds target", peak)
	}

	quiet := sineBuffer(100, 1024, 1, 8000, 0.2)
	before := quiet.Clone()
	quiet.PeakLimit(PeakTarget)
	for i := range before.Data {
		if quiet.Data[i] != before.Data[i] {
			t.Fatal("peak limiting must not touch in-range audio")
		}
	}
}

func TestBandSplitIsolatesTone(t *testing.T) {
	// 100 Hz tone passes a low band and is rejected by a high band.
	b := sineBuffer(100, 4096, 1, 8000, 0.5)

	low := b.BandSplit(0, 200)
	if low.MeanAbs() < 0.1 {
		t.Fatalf("low band should retain the tone, mean abs %g", low.MeanAbs())
	}

	high := b.BandSplit(1500, 3000)
	if high.MeanAbs() > 0.01 {
		t.Fatalf("high band should reject the tone, mean abs %g", high.MeanAbs())
	}
}

func TestBandSplitOpenUpperBound(t *testing.T) {
	b := sineBuffer(2000, 4096, 1, 8000, 0.5)
	open := b.BandSplit(200, 0)
	if open.MeanAbs() < 0.1 {
		t.Fatalf("open upper bound should pass a 2 kHz tone, mean abs %g", open.MeanAbs())
	}
}

func TestSubReconstructsResidual(t *testing.T) {
	total := sineBuffer(440, 2048, 2, 44100, 0.4)
	part := sineBuffer(440, 2048, 2, 44100, 0.1)

	residual, err := total.Sub(part)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	for i := range total.Data {
		want := total.Data[i] - part.Data[i]
		if math.Abs(float64(residual.Data[i]-want)) > 1e-7 {
			t.Fatalf("residual sample %d wrong", i)
		}
	}

	other := NewBuffer(100, 2, 44100)
	if _, err := total.Sub(other); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestMixFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.wav")
	b := filepath.Join(dir, "b.wav")

	if err := WriteFile(a, sineBuffer(440, 2048, 1, 44100, 0.6)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(b, sineBuffer(440, 4096, 2, 44100, 0.6)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	mix, err := MixFiles([]string{a, b})
	if err != nil {
		t.Fatalf("MixFiles: %v", err)
	}
	if mix.Frames != 4096 || mix.Channels != 2 {
		t.Fatalf("mix should adopt the widest shape, got %dx%d", mix.Frames, mix.Channels)
	}
	if peak := mix.Peak(); peak > PeakTarget+1e-6 {
		t.Fatalf("mix peak %g exceeds limit", peak)
	}
}

func TestMixFilesSampleRateMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.wav")
	b := filepath.Join(dir, "b.wav")

	if err := WriteFile(a, sineBuffer(440, 1024, 1, 44100, 0.3)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(b, sineBuffer(440, 1024, 1, 48000, 0.3)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := MixFiles([]string{a, b}); err != ErrSampleRateMismatch {
		t.Fatalf("expected ErrSampleRateMismatch, got %v", err)
	}
}

func TestMixFilesEmpty(t *testing.T) {
	if _, err := MixFiles(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

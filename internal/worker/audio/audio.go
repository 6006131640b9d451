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

// Package audio provides the small DSP toolkit the worker needs: WAV
// decode/encode around a float32 frame buffer, peak limiting, FFT band
// splitting, and multi-file mixing. Canonical outputs are PCM 24-bit WAV.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"gonum.org/v1/gonum/dsp/fourier"
)

// PeakTarget is the normalized peak magnitude limited outputs are scaled to.
const PeakTarget = 0.98

// ErrSampleRateMismatch indicates inputs with different sample rates were
// combined.
var ErrSampleRateMismatch = errors.New("cannot combine audio with mixed sample rates")

// Buffer holds interleaved float32 samples, frames x channels.
type Buffer struct {
	Data       []float32
	Frames     int
	Channels   int
	SampleRate int
}

// NewBuffer allocates a zeroed buffer of the given shape.
func NewBuffer(frames, channels, sampleRate int) *Buffer {
	return &Buffer{
		Data:       make([]float32, frames*channels),
		Frames:     frames,
		Channels:   channels,
		SampleRate: sampleRate,
	}
}

// At returns the sample at (frame, channel).
func (b *Buffer) At(frame, ch int) float32 {
	return b.Data[frame*b.Channels+ch]
}

// Set writes the sample at (frame, channel).
func (b *Buffer) Set(frame, ch int, v float32) {
	b.Data[frame*b.Channels+ch] = v
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	out := NewBuffer(b.Frames, b.Channels, b.SampleRate)
	copy(out.Data, b.Data)
	return out
}

// Empty reports whether the buffer holds no samples.
func (b *Buffer) Empty() bool {
	return b == nil || len(b.Data) == 0
}

// Peak returns the maximum absolute sample value.
func (b *Buffer) Peak() float32 {
	var peak float32
	for _, v := range b.Data {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// PeakLimit scales the buffer in place so the peak does not exceed target.
// Buffers already within the target are untouched.
func (b *Buffer) PeakLimit(target float32) {
	if b.Empty() {
		return
	}
	peak := b.Peak()
	if peak <= target || peak == 0 {
		return
	}
	scale := target / peak
	for i := range b.Data {
		b.Data[i] *= scale
	}
}

// Sub returns a - other, element-wise. Shapes must match.
func (b *Buffer) Sub(other *Buffer) (*Buffer, error) {
	if b.Frames != other.Frames || b.Channels != other.Channels {
		return nil, fmt.Errorf("shape mismatch: %dx%d vs %dx%d", b.Frames, b.Channels, other.Frames, other.Channels)
	}
	out := NewBuffer(b.Frames, b.Channels, b.SampleRate)
	for i := range b.Data {
		out.Data[i] = b.Data[i] - other.Data[i]
	}
	return out, nil
}

// BandSplit returns a copy of the buffer with all frequency content below
// lowHz and (when highHz > 0) above highHz zeroed out, via a real FFT along
// the frame axis of each channel.
func (b *Buffer) BandSplit(lowHz, highHz float64) *Buffer {
	out := NewBuffer(b.Frames, b.Channels, b.SampleRate)
	if b.Frames == 0 {
		return out
	}

	fft := fourier.NewFFT(b.Frames)
	seq := make([]float64, b.Frames)
	for ch := 0; ch < b.Channels; ch++ {
		for fr := 0; fr < b.Frames; fr++ {
			seq[fr] = float64(b.At(fr, ch))
		}
		coeff := fft.Coefficients(nil, seq)
		for i := range coeff {
			hz := fft.Freq(i) * float64(b.SampleRate)
			if hz < lowHz || (highHz > 0 && hz > highHz) {
				coeff[i] = 0
			}
		}
		rendered := fft.Sequence(nil, coeff)
		// Sequence is unnormalized; the round trip scales by the length.
		norm := 1.0 / float64(b.Frames)
		for fr := 0; fr < b.Frames; fr++ {
			out.Set(fr, ch, float32(rendered[fr]*norm))
		}
	}
	return out
}

// ReadFile decodes a WAV file into a float32 buffer with samples normalized
// to [-1, 1].
func ReadFile(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if pcm.Format == nil || pcm.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("decode %s: missing format", filepath.Base(path))
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = pcm.SourceBitDepth
	}
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))

	channels := pcm.Format.NumChannels
	frames := len(pcm.Data) / channels
	out := NewBuffer(frames, channels, pcm.Format.SampleRate)
	for i := 0; i < frames*channels; i++ {
		out.Data[i] = float32(float64(pcm.Data[i]) * scale)
	}
	return out, nil
}

// WriteFile encodes the buffer as PCM 24-bit WAV at path.
func WriteFile(path string, b *Buffer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}

	enc := wav.NewEncoder(f, b.SampleRate, 24, b.Channels, 1)
	const fullScale = 1<<23 - 1

	ints := make([]int, len(b.Data))
	for i, v := range b.Data {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		ints[i] = int(math.Round(float64(v) * fullScale))
	}

	pcm := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: b.Channels, SampleRate: b.SampleRate},
		Data:           ints,
		SourceBitDepth: 24,
	}
	if err := enc.Write(pcm); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// MixFiles sums the given WAV files into one buffer, zero-padding shorter
// layers to the longest frame and widest channel count, then peak-limits
// the result. All layers must share a sample rate.
func MixFiles(paths []string) (*Buffer, error) {
	if len(paths) == 0 {
		return nil, errors.New("no source stems available to mix")
	}

	layers := make([]*Buffer, 0, len(paths))
	sampleRate := 0
	maxFrames := 0
	maxChannels := 1
	for _, path := range paths {
		layer, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if sampleRate == 0 {
			sampleRate = layer.SampleRate
		} else if layer.SampleRate != sampleRate {
			return nil, ErrSampleRateMismatch
		}
		layers = append(layers, layer)
		if layer.Frames > maxFrames {
			maxFrames = layer.Frames
		}
		if layer.Channels > maxChannels {
			maxChannels = layer.Channels
		}
	}
	if sampleRate == 0 || maxFrames == 0 {
		return nil, errors.New("unable to mix empty stems")
	}

	mix := NewBuffer(maxFrames, maxChannels, sampleRate)
	for _, layer := range layers {
		for fr := 0; fr < layer.Frames; fr++ {
			for ch := 0; ch < layer.Channels; ch++ {
				mix.Set(fr, ch, mix.At(fr, ch)+layer.At(fr, ch))
			}
		}
	}
	mix.PeakLimit(PeakTarget)
	return mix, nil
}

// MeanAbs returns the mean absolute sample value.
func (b *Buffer) MeanAbs() float64 {
	if b.Empty() {
		return 0
	}
	var sum float64
	for _, v := range b.Data {
		sum += math.Abs(float64(v))
	}
	return sum / float64(len(b.Data))
}

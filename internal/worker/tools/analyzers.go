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
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"

	"soundmaxx/internal/worker/audio"
)

// Analyzer model identifiers reported in job callbacks.
const (
	ModelKeyBPM   = "essentia"
	ModelLoudness = "pyloudnorm"
	ModelMIDI     = "basic_pitch"
)

var noteNames = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Krumhansl-Schmuckler key profiles.
var (
	majorProfile = []float64{6.35, 2.23, 3.48, 2.33, 4.38, 4.09, 2.52, 5.19, 2.39, 3.66, 2.29, 2.88}
	minorProfile = []float64{6.33, 2.68, 3.52, 5.38, 2.60, 3.53, 2.54, 4.75, 3.98, 2.69, 3.34, 3.17}
)

func monoMix(b *audio.Buffer) []float64 {
	mono := make([]float64, b.Frames)
	for fr := 0; fr < b.Frames; fr++ {
		var sum float64
		for ch := 0; ch < b.Channels; ch++ {
			sum += float64(b.At(fr, ch))
		}
		mono[fr] = sum / float64(b.Channels)
	}
	return mono
}

// AnalyzeKeyBPM estimates the musical key and tempo of the input and writes
// key-bpm.json.
func AnalyzeKeyBPM(inputFile, outputDir string, params Params) (string, []string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}

	src, err := audio.ReadFile(inputFile)
	if err != nil {
		return "", nil, err
	}
	if src.Empty() {
		return "", nil, errors.New("input audio is empty")
	}
	mono := monoMix(src)

	key, scale, strength := estimateKey(mono, src.SampleRate)
	bpm := estimateBPM(mono, src.SampleRate)

	result := map[string]any{
		"key":               key + " " + scale,
		"strength":          strength,
		"bpm":               bpm,
		"includeChordHints": params.Bool("includeChordHints", true),
	}

	outPath := filepath.Join(outputDir, "key-bpm.json")
	if err := writeJSONReport(outPath, result); err != nil {
		return "", nil, err
	}
	return ModelKeyBPM, []string{outPath}, nil
}

// estimateKey correlates a chroma vector against the major and minor key
// profiles over all 12 rotations.
func estimateKey(mono []float64, sampleRate int) (string, string, float64) {
	chroma := chromaVector(mono, sampleRate)

	bestScore := math.Inf(-1)
	bestTonic, bestScale := 0, "major"
	for tonic := 0; tonic < 12; tonic++ {
		for _, profile := range []struct {
			name   string
			values []float64
		}{{"major", majorProfile}, {"minor", minorProfile}} {
			score := correlate(chroma, profile.values, tonic)
			if score > bestScore {
				bestScore = score
				bestTonic = tonic
				bestScale = profile.name
			}
		}
	}
	strength := math.Max(0, math.Min(1, bestScore))
	return noteNames[bestTonic], bestScale, strength
}

func chromaVector(mono []float64, sampleRate int) []float64 {
	n := len(mono)
	fft := fourier.NewFFT(n)
	coeff := fft.Coefficients(nil, mono)

	chroma := make([]float64, 12)
	for i := 1; i < len(coeff); i++ {
		hz := fft.Freq(i) * float64(sampleRate)
		if hz < 27.5 || hz > 4200 {
			continue
		}
		midi := 69 + 12*math.Log2(hz/440)
		pitchClass := ((int(math.Round(midi)) % 12) + 12) % 12
		chroma[pitchClass] += cmplxAbs(coeff[i])
	}

	var total float64
	for _, v := range chroma {
		total += v
	}
	if total > 0 {
		for i := range chroma {
			chroma[i] /= total
		}
	}
	return chroma
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// correlate returns the Pearson correlation of chroma against the profile
// rotated so the given tonic sits at index 0.
func correlate(chroma, profile []float64, tonic int) float64 {
	var meanC, meanP float64
	for i := 0; i < 12; i++ {
		meanC += chroma[i]
		meanP += profile[i]
	}
	meanC /= 12
	meanP /= 12

	var num, denC, denP float64
	for i := 0; i < 12; i++ {
		c := chroma[(i+tonic)%12] - meanC
		p := profile[i] - meanP
		num += c * p
		denC += c * c
		denP += p * p
	}
	den := math.Sqrt(denC * denP)
	if den == 0 {
		return 0
	}
	return num / den
}

// estimateBPM autocorrelates an onset-strength envelope over the 60-200
// BPM lag range.
func estimateBPM(mono []float64, sampleRate int) float64 {
	const (
		frameSize = 1024
		hopSize   = 512
	)
	frameCount := (len(mono) - frameSize) / hopSize
	if frameCount < 4 {
		return 120
	}

	energy := make([]float64, frameCount)
	for f := 0; f < frameCount; f++ {
		var sum float64
		for i := 0; i < frameSize; i++ {
			v := mono[f*hopSize+i]
			sum += v * v
		}
		energy[f] = sum
	}

	onset := make([]float64, frameCount)
	for f := 1; f < frameCount; f++ {
		if d := energy[f] - energy[f-1]; d > 0 {
			onset[f] = d
		}
	}

	framesPerSecond := float64(sampleRate) / hopSize
	minLag := int(framesPerSecond * 60 / 200)
	maxLag := int(framesPerSecond * 60 / 60)
	if maxLag >= frameCount {
		maxLag = frameCount - 1
	}
	if minLag < 1 || minLag >= maxLag {
		return 120
	}

	bestLag, bestScore := minLag, math.Inf(-1)
	for lag := minLag; lag <= maxLag; lag++ {
		var score float64
		for f := 0; f+lag < frameCount; f++ {
			score += onset[f] * onset[f+lag]
		}
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}
	return 60 * framesPerSecond / float64(bestLag)
}

// AnalyzeLoudness measures integrated loudness, true peak, and dynamic
// range, writing loudness-report.json.
func AnalyzeLoudness(inputFile, outputDir string, params Params) (string, []string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}

	src, err := audio.ReadFile(inputFile)
	if err != nil {
		return "", nil, err
	}
	if src.Empty() {
		return "", nil, errors.New("input audio is empty")
	}
	mono := monoMix(src)

	var meanSquare, peak float64
	clipping := 0
	for _, v := range mono {
		meanSquare += v * v
		abs := math.Abs(v)
		if abs > peak {
			peak = abs
		}
		if abs >= 0.999 {
			clipping++
		}
	}
	meanSquare /= float64(len(mono))

	integratedLufs := -0.691 + 10*math.Log10(math.Max(meanSquare, 1e-12))
	truePeakDbtp := 20 * math.Log10(math.Max(peak, 1e-8))

	p95 := percentileAbs(mono, 95)
	p10 := percentileAbs(mono, 10)
	dynamicRange := 20 * math.Log10(math.Max(p95, 1e-8)/math.Max(p10, 1e-8))

	result := map[string]any{
		"integratedLufs":   integratedLufs,
		"truePeakDbtp":     truePeakDbtp,
		"dynamicRange":     dynamicRange,
		"targetLufs":       params.Float("targetLufs", -14),
		"clippingWarnings": clipping,
	}

	outPath := filepath.Join(outputDir, "loudness-report.json")
	if err := writeJSONReport(outPath, result); err != nil {
		return "", nil, err
	}
	return ModelLoudness, []string{outPath}, nil
}

func percentileAbs(samples []float64, pct float64) float64 {
	abs := make([]float64, len(samples))
	for i, v := range samples {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	if len(abs) == 0 {
		return 0
	}
	idx := int(pct / 100 * float64(len(abs)-1))
	return abs[idx]
}

// MIDIThresholds maps a 0..1 sensitivity onto onset and frame thresholds.
// Higher sensitivity lowers both thresholds, so more notes are kept.
func MIDIThresholds(sensitivity float64) (onset, frame float64) {
	s := math.Max(0, math.Min(1, sensitivity))
	return 0.7 - 0.4*s, 0.5 - 0.35*s
}

// noteEvent is one detected note.
type noteEvent struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Pitch      int     `json:"pitch"`
	Confidence float64 `json:"confidence"`
}

// ExtractMIDI transcribes the input to a standard MIDI file plus a
// notes.json event listing.
func ExtractMIDI(inputFile, outputDir string, params Params) (string, []string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}

	src, err := audio.ReadFile(inputFile)
	if err != nil {
		return "", nil, err
	}
	if src.Empty() {
		return "", nil, errors.New("input audio is empty")
	}
	mono := monoMix(src)

	sensitivity := params.Float("sensitivity", 0.5)
	onsetThreshold, frameThreshold := MIDIThresholds(sensitivity)
	events := detectNotes(mono, src.SampleRate, onsetThreshold, frameThreshold)

	midiPath := filepath.Join(outputDir, "extracted.mid")
	if err := writeMIDIFile(midiPath, events); err != nil {
		return "", nil, err
	}

	notesPath := filepath.Join(outputDir, "notes.json")
	if events == nil {
		events = []noteEvent{}
	}
	payload := map[string]any{
		"sensitivity":    sensitivity,
		"onsetThreshold": onsetThreshold,
		"frameThreshold": frameThreshold,
		"noteCount":      len(events),
		"noteEvents":     events,
	}
	if err := writeJSONReport(notesPath, payload); err != nil {
		return "", nil, err
	}
	return ModelMIDI, []string{midiPath, notesPath}, nil
}

// detectNotes runs frame-wise autocorrelation pitch tracking and merges
// consecutive frames with the same pitch into note events. Frames whose
// periodicity falls below frameThreshold are treated as unvoiced; a note
// only opens when its first frame clears onsetThreshold.
func detectNotes(mono []float64, sampleRate int, onsetThreshold, frameThreshold float64) []noteEvent {
	const (
		frameSize = 2048
		hopSize   = 512
	)
	frameCount := (len(mono) - frameSize) / hopSize
	if frameCount <= 0 {
		return nil
	}

	frameSeconds := float64(hopSize) / float64(sampleRate)
	var events []noteEvent
	var open *noteEvent
	var openFrames int

	closeNote := func(endFrame int) {
		if open == nil {
			return
		}
		open.End = float64(endFrame) * frameSeconds
		open.Confidence /= float64(openFrames)
		if open.End > open.Start {
			events = append(events, *open)
		}
		open = nil
		openFrames = 0
	}

	for f := 0; f < frameCount; f++ {
		frame := mono[f*hopSize : f*hopSize+frameSize]
		pitch, clarity := framePitch(frame, sampleRate)
		voiced := pitch > 0 && clarity >= frameThreshold

		switch {
		case !voiced:
			closeNote(f)
		case open != nil && open.Pitch == pitch:
			open.Confidence += clarity
			openFrames++
		default:
			closeNote(f)
			if clarity >= onsetThreshold {
				open = &noteEvent{
					Start:      float64(f) * frameSeconds,
					Pitch:      pitch,
					Confidence: clarity,
				}
				openFrames = 1
			}
		}
	}
	closeNote(frameCount)
	return events
}

// framePitch returns the MIDI pitch and periodicity clarity of one frame,
// or (0, 0) for silence.
func framePitch(frame []float64, sampleRate int) (int, float64) {
	var energy float64
	for _, v := range frame {
		energy += v * v
	}
	if energy < 1e-6 {
		return 0, 0
	}

	minLag := sampleRate / 1000
	maxLag := sampleRate / 50
	if maxLag >= len(frame) {
		maxLag = len(frame) - 1
	}
	if minLag < 1 || minLag >= maxLag {
		return 0, 0
	}

	bestLag, bestScore := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var score float64
		for i := 0; i+lag < len(frame); i++ {
			score += frame[i] * frame[i+lag]
		}
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}
	if bestLag == 0 {
		return 0, 0
	}

	clarity := bestScore / energy
	hz := float64(sampleRate) / float64(bestLag)
	midi := int(math.Round(69 + 12*math.Log2(hz/440)))
	if midi < 0 || midi > 127 {
		return 0, 0
	}
	return midi, math.Max(0, math.Min(1, clarity))
}

// writeMIDIFile emits a single-track standard MIDI file at 120 BPM with
// 480 ticks per quarter note.
func writeMIDIFile(path string, events []noteEvent) error {
	const ticksPerSecond = 960 // 480 ticks per quarter at 120 BPM

	type midiMsg struct {
		tick int
		data []byte
	}
	var msgs []midiMsg
	for _, ev := range events {
		velocity := byte(math.Max(1, math.Min(127, ev.Confidence*127)))
		msgs = append(msgs,
			midiMsg{int(ev.Start * ticksPerSecond), []byte{0x90, byte(ev.Pitch), velocity}},
			midiMsg{int(ev.End * ticksPerSecond), []byte{0x80, byte(ev.Pitch), 0}},
		)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].tick < msgs[j].tick })

	var track bytes.Buffer
	// Tempo meta event: 500000 microseconds per quarter note.
	track.Write([]byte{0x00, 0xFF, 0x51, 0x03, 0x07, 0xA1, 0x20})
	lastTick := 0
	for _, msg := range msgs {
		writeVarLen(&track, msg.tick-lastTick)
		track.Write(msg.data)
		lastTick = msg.tick
	}
	track.Write([]byte{0x00, 0xFF, 0x2F, 0x00})

	var out bytes.Buffer
	out.WriteString("MThd")
	_ = binary.Write(&out, binary.BigEndian, uint32(6))
	_ = binary.Write(&out, binary.BigEndian, uint16(0)) // format 0
	_ = binary.Write(&out, binary.BigEndian, uint16(1)) // one track
	_ = binary.Write(&out, binary.BigEndian, uint16(480))
	out.WriteString("MTrk")
	_ = binary.Write(&out, binary.BigEndian, uint32(track.Len()))
	out.Write(track.Bytes())

	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write midi: %w", err)
	}
	return nil
}

// writeVarLen encodes a MIDI variable-length quantity.
func writeVarLen(buf *bytes.Buffer, value int) {
	if value < 0 {
		value = 0
	}
	var stack []byte
	for {
		stack = append(stack, byte(value&0x7F))
		value >>= 7
		if value == 0 {
			break
		}
	}
	for i := len(stack) - 1; i > 0; i-- {
		buf.WriteByte(stack[i] | 0x80)
	}
	buf.WriteByte(stack[0])
}

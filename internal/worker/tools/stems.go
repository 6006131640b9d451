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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"soundmaxx/internal/worker/audio"
)

// FallbackModel is the model identifier reported when stems were rendered
// by band splitting instead of a separation model.
const FallbackModel = "fallback_band_split"

var (
	stemOrder4 = []string{"vocals", "drums", "bass", "other"}
	stemOrder2 = []string{"vocals", "accompaniment"}

	stemKeywords = map[string][]string{
		"vocals":        {"vocals", "vocal", "vox", "voice", "lead"},
		"drums":         {"drums", "drum", "percussion", "beat", "kick", "snare"},
		"bass":          {"bass", "low", "sub"},
		"other":         {"other", "music", "instrumental", "inst", "accompaniment"},
		"accompaniment": {"accompaniment", "instrumental", "inst", "music", "other", "minus_vocals", "no_vocals"},
	}
)

// MissingStemsError indicates canonicalization could not produce the full
// required stem set.
type MissingStemsError struct {
	Missing []string
}

func (e *MissingStemsError) Error() string {
	return "stem isolation missing required stems: " + strings.Join(e.Missing, ", ")
}

// StemModelCandidates returns the ordered separation model names to try,
// preferred model first, with the stable fallbacks deduplicated behind it.
func StemModelCandidates(preferred, roformerName, demucsName string) []string {
	stable := []string{
		"UVR-MDX-NET-Inst_HQ_5.onnx",
		"UVR-MDX-NET-Inst_HQ_3.onnx",
		"mel_band_roformer_karaoke_aufr33_viperx_sdr_10.1956.ckpt",
	}

	first := roformerName
	if preferred == "demucs_v4" {
		first = demucsName
	}

	combined := append([]string{first}, stable...)
	var deduped []string
	for _, name := range combined {
		if name == "" {
			continue
		}
		seen := false
		for _, existing := range deduped {
			if existing == name {
				seen = true
				break
			}
		}
		if !seen {
			deduped = append(deduped, name)
		}
	}
	return deduped
}

// fileStem returns the base name without its extension.
func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// firstMatching returns the first path whose file stem contains any of the
// keywords, or "".
func firstMatching(paths []string, keywords []string) string {
	for _, path := range paths {
		haystack := strings.ToLower(fileStem(path))
		for _, keyword := range keywords {
			if strings.Contains(haystack, keyword) {
				return path
			}
		}
	}
	return ""
}

// ResolveOutputFile maps a separator-reported path or bare file name onto
// the job output directory.
func ResolveOutputFile(pathOrName, outputDir string) string {
	if filepath.IsAbs(pathOrName) {
		if _, err := os.Stat(pathOrName); err == nil {
			return pathOrName
		}
	}
	resolved := filepath.Join(outputDir, filepath.Base(pathOrName))
	if _, err := os.Stat(resolved); err == nil {
		return resolved
	}
	return pathOrName
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}

// writeAudioCopy re-encodes source as PCM 24-bit WAV at target.
func writeAudioCopy(source, target string) error {
	buf, err := audio.ReadFile(source)
	if err != nil {
		return err
	}
	return audio.WriteFile(target, buf)
}

// Canonicalize maps whatever a separation model produced onto the fixed
// stem set: vocals/drums/bass/other for 4-stem jobs, vocals/accompaniment
// for 2-stem jobs. When a model only produced a vocals/accompaniment pair
// for a 4-stem job, the remaining stems are synthesized from the
// accompaniment by band splitting.
func Canonicalize(inputFile, outputDir string, produced []string, stems int) ([]string, error) {
	var existing []string
	for _, path := range produced {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil, errors.New("stem isolation produced no files")
	}

	if stems >= 4 {
		return canonicalizeFour(inputFile, outputDir, existing)
	}
	return canonicalizeTwo(inputFile, outputDir, existing)
}

func canonicalizeFour(inputFile, outputDir string, existing []string) ([]string, error) {
	remaining := append([]string(nil), existing...)
	mapped := map[string]string{}
	for _, stemName := range stemOrder4 {
		candidate := firstMatching(remaining, stemKeywords[stemName])
		if candidate != "" {
			mapped[stemName] = candidate
			for i, p := range remaining {
				if p == candidate {
					remaining = append(remaining[:i], remaining[i+1:]...)
					break
				}
			}
		}
	}

	missing := missingStems(mapped)
	if len(missing) > 0 {
		vocalsSource := mapped["vocals"]
		if vocalsSource == "" {
			vocalsSource = firstMatching(existing, stemKeywords["vocals"])
		}
		accompanimentSource := firstMatching(existing, stemKeywords["accompaniment"])
		if vocalsSource != "" && accompanimentSource != "" {
			synthesized, err := synthesizeFourFromAccompaniment(inputFile, outputDir, vocalsSource, accompanimentSource)
			if err != nil {
				return nil, err
			}
			mapped = synthesized
			missing = missingStems(mapped)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingStemsError{Missing: missing}
	}

	var ordered []string
	for _, stemName := range stemOrder4 {
		source := mapped[stemName]
		target := filepath.Join(outputDir, fmt.Sprintf("%s-%s.wav", fileStem(inputFile), stemName))
		if !samePath(source, target) {
			if err := writeAudioCopy(source, target); err != nil {
				return nil, err
			}
		}
		ordered = append(ordered, target)
	}
	return ordered, nil
}

func missingStems(mapped map[string]string) []string {
	var missing []string
	for _, stemName := range stemOrder4 {
		if mapped[stemName] == "" {
			missing = append(missing, stemName)
		}
	}
	return missing
}

func canonicalizeTwo(inputFile, outputDir string, existing []string) ([]string, error) {
	vocalsSource := firstMatching(existing, stemKeywords["vocals"])
	if vocalsSource == "" {
		return nil, errors.New("2-stem isolation failed to identify vocals output")
	}

	var remaining []string
	for _, path := range existing {
		if path != vocalsSource {
			remaining = append(remaining, path)
		}
	}
	accompanimentSource := firstMatching(remaining, stemKeywords["accompaniment"])

	vocalsTarget := filepath.Join(outputDir, fileStem(inputFile)+"-vocals.wav")
	if !samePath(vocalsSource, vocalsTarget) {
		if err := writeAudioCopy(vocalsSource, vocalsTarget); err != nil {
			return nil, err
		}
	}

	accompanimentTarget := filepath.Join(outputDir, fileStem(inputFile)+"-accompaniment.wav")
	if accompanimentSource != "" {
		if !samePath(accompanimentSource, accompanimentTarget) {
			if err := writeAudioCopy(accompanimentSource, accompanimentTarget); err != nil {
				return nil, err
			}
		}
	} else {
		if len(remaining) == 0 {
			return nil, errors.New("2-stem isolation failed to build accompaniment output")
		}
		mix, err := audio.MixFiles(remaining)
		if err != nil {
			return nil, err
		}
		if err := audio.WriteFile(accompanimentTarget, mix); err != nil {
			return nil, err
		}
	}

	return []string{vocalsTarget, accompanimentTarget}, nil
}

// synthesizeFourFromAccompaniment derives drums, bass, and other stems
// from an accompaniment track: bass is the content below 200 Hz, drums the
// 1500-9000 Hz band, other the residual.
func synthesizeFourFromAccompaniment(inputFile, outputDir, vocalsSource, accompanimentSource string) (map[string]string, error) {
	vocalsTarget := filepath.Join(outputDir, fileStem(inputFile)+"-vocals.wav")
	if !samePath(vocalsSource, vocalsTarget) {
		if err := writeAudioCopy(vocalsSource, vocalsTarget); err != nil {
			return nil, err
		}
	}

	accompaniment, err := audio.ReadFile(accompanimentSource)
	if err != nil {
		return nil, err
	}
	if accompaniment.Empty() {
		return nil, errors.New("cannot synthesize 4-stem fallback from empty accompaniment audio")
	}

	bass := accompaniment.BandSplit(0, 200)
	drums := accompaniment.BandSplit(1500, 9000)

	afterBass, err := accompaniment.Sub(bass)
	if err != nil {
		return nil, err
	}
	other, err := afterBass.Sub(drums)
	if err != nil {
		return nil, err
	}

	bass.PeakLimit(audio.PeakTarget)
	drums.PeakLimit(audio.PeakTarget)
	other.PeakLimit(audio.PeakTarget)

	targets := map[string]*audio.Buffer{
		"bass":  bass,
		"drums": drums,
		"other": other,
	}
	mapped := map[string]string{"vocals": vocalsTarget}
	for stemName, buf := range targets {
		target := filepath.Join(outputDir, fmt.Sprintf("%s-%s.wav", fileStem(inputFile), stemName))
		if err := audio.WriteFile(target, buf); err != nil {
			return nil, err
		}
		mapped[stemName] = target
	}
	return mapped, nil
}

// BuildStemTimeoutFallback renders a coarse stem set directly from the
// source audio after a separation model timed out: fixed frequency bands
// for vocals, bass, and drums, with the residual as other. The result is
// clearly labeled so callers can flag degraded quality.
func BuildStemTimeoutFallback(inputFile, outputDir string, stems int, zipMethod uint16) (string, []string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}

	src, err := audio.ReadFile(inputFile)
	if err != nil {
		return "", nil, err
	}
	if src.Empty() {
		return "", nil, errors.New("cannot build stem fallback from empty source audio")
	}

	bass := src.BandSplit(0, 180)
	vocals := src.BandSplit(180, 4200)
	drums := src.BandSplit(1200, 9500)

	rendered := map[string]*audio.Buffer{}
	var order []string
	if stems >= 4 {
		afterVocals, err := src.Sub(vocals)
		if err != nil {
			return "", nil, err
		}
		afterBass, err := afterVocals.Sub(bass)
		if err != nil {
			return "", nil, err
		}
		other, err := afterBass.Sub(drums)
		if err != nil {
			return "", nil, err
		}
		other.PeakLimit(audio.PeakTarget)
		vocals.PeakLimit(audio.PeakTarget)
		bass.PeakLimit(audio.PeakTarget)
		drums.PeakLimit(audio.PeakTarget)
		rendered["vocals"] = vocals
		rendered["drums"] = drums
		rendered["bass"] = bass
		rendered["other"] = other
		order = stemOrder4
	} else {
		accompaniment, err := src.Sub(vocals)
		if err != nil {
			return "", nil, err
		}
		accompaniment.PeakLimit(audio.PeakTarget)
		vocals.PeakLimit(audio.PeakTarget)
		rendered["vocals"] = vocals
		rendered["accompaniment"] = accompaniment
		order = stemOrder2
	}

	var outputs []string
	for _, stemName := range order {
		path := filepath.Join(outputDir, fmt.Sprintf("%s-%s.wav", fileStem(inputFile), stemName))
		if err := audio.WriteFile(path, rendered[stemName]); err != nil {
			return "", nil, err
		}
		outputs = append(outputs, path)
	}

	zipPath := filepath.Join(outputDir, fileStem(inputFile)+"-stems.zip")
	if err := BundleZip(zipPath, outputs, zipMethod); err != nil {
		return "", nil, err
	}

	return FallbackModel, append(outputs, zipPath), nil
}

// ZipMethod maps the STEM_ZIP_COMPRESSION setting onto a zip method.
// "deflate" and "compressed" enable DEFLATE; everything else stores.
func ZipMethod(setting string) uint16 {
	switch strings.ToLower(strings.TrimSpace(setting)) {
	case "deflate", "zip_deflated", "compressed":
		return zip.Deflate
	default:
		return zip.Store
	}
}

// BundleZip writes the listed files into a zip archive, skipping any that
// no longer exist.
func BundleZip(zipPath string, files []string, method uint16) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create stem bundle: %w", err)
	}

	zw := zip.NewWriter(out)
	for _, file := range files {
		in, err := os.Open(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			_ = zw.Close()
			_ = out.Close()
			return fmt.Errorf("open %s for bundling: %w", filepath.Base(file), err)
		}
		header := &zip.FileHeader{Name: filepath.Base(file), Method: method}
		w, err := zw.CreateHeader(header)
		if err == nil {
			_, err = io.Copy(w, in)
		}
		_ = in.Close()
		if err != nil {
			_ = zw.Close()
			_ = out.Close()
			return fmt.Errorf("bundle %s: %w", filepath.Base(file), err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finalize stem bundle: %w", err)
	}
	return out.Close()
}

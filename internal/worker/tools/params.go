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

import "strconv"

// Params carries the free-form per-job tool parameters. Values arrive from
// JSON, so numbers are float64 and typed getters normalize from there.
type Params map[string]any

// Int returns the named parameter as an int, or fallback when absent or
// not numeric.
func (p Params) Int(name string, fallback int) int {
	switch v := p[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Float returns the named parameter as a float64, or fallback.
func (p Params) Float(name string, fallback float64) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// String returns the named parameter as a string, or fallback.
func (p Params) String(name, fallback string) string {
	if v, ok := p[name].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Bool returns the named parameter as a bool, or fallback.
func (p Params) Bool(name string, fallback bool) bool {
	if v, ok := p[name].(bool); ok {
		return v
	}
	return fallback
}

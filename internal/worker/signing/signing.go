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

// Package signing implements webhook payload signing and bearer-token
// verification for the worker API.
//
// Callback bodies are signed with HMAC-SHA256 keyed by the per-job webhook
// secret; the signature travels in the X-SoundMaxx-Signature header as
// lowercase hex. Bearer verification compares the full Authorization header
// against the expected value in constant time so that the comparison does
// not leak a prefix match.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrUnauthorized is returned when the Authorization header is missing or
// does not match the expected bearer token.
var ErrUnauthorized = errors.New("invalid or missing bearer token")

// SignBody computes the hex-encoded HMAC-SHA256 of body keyed by secret.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyBearer checks an Authorization header value against the expected
// worker API key. The whole header string is compared in constant time
// against "Bearer " + token.
func VerifyBearer(header, token string) error {
	if header == "" {
		return ErrUnauthorized
	}
	expected := "Bearer " + token
	if !hmac.Equal([]byte(header), []byte(expected)) {
		return ErrUnauthorized
	}
	return nil
}

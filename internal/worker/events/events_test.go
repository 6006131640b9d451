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

package events

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	transitions := []struct {
		status string
		pct    int
		detail string
	}{
		{"queued", 5, ""},
		{"running", 20, ""},
		{"running", 40, "staged source"},
		{"succeeded", 100, ""},
	}
	for _, tr := range transitions {
		if err := s.Append(ctx, "job-1", tr.status, tr.pct, tr.detail); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, "job-2", "queued", 5, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.List(ctx, "job-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != len(transitions) {
		t.Fatalf("got %d events, want %d", len(got), len(transitions))
	}
	for i, tr := range transitions {
		if got[i].Status != tr.status || got[i].ProgressPct != tr.pct || got[i].Detail != tr.detail {
			t.Errorf("event %d = %+v, want %+v", i, got[i], tr)
		}
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("created_at must be set")
	}

	other, err := s.List(ctx, "job-2")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("job-2 events = %d, want 1", len(other))
	}
}

func TestListUnknownJob(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.List(ctx, "ghost")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if err := s.Append(ctx, "job", "queued", 5, ""); err != nil {
		t.Fatalf("nil Append: %v", err)
	}
	got, err := s.List(ctx, "job")
	if err != nil || got != nil {
		t.Fatalf("nil List = (%v, %v)", got, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAccountLabel(t *testing.T) {
	tests := []struct {
		userID string
		want   string
	}{
		{"", "self"},
		{"user-123", "friend"},
		{"f1", "friend"},
	}

	for _, tt := range tests {
		if got := AccountLabel(tt.userID); got != tt.want {
			t.Errorf("AccountLabel(%q) = %q, want %q", tt.userID, got, tt.want)
		}
	}
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(BoundaryHits)
	BoundaryHits.Inc()
	after := testutil.ToFloat64(BoundaryHits)

	if after != before+1 {
		t.Errorf("BoundaryHits = %v, want %v", after, before+1)
	}
}

func TestVecLabels(t *testing.T) {
	SyncsTotal.WithLabelValues("self", "success").Inc()
	got := testutil.ToFloat64(SyncsTotal.WithLabelValues("self", "success"))
	if got < 1 {
		t.Errorf("SyncsTotal{self,success} = %v, want >= 1", got)
	}
}

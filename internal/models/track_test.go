// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package models

import (
	"reflect"
	"testing"
)

func TestParseArtistList(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want []Artist
	}{
		{"single artist", "Daft Punk", []Artist{{Name: "Daft Punk"}}},
		{"comma separated", "A, B,C", []Artist{{Name: "A"}, {Name: "B"}, {Name: "C"}}},
		{"trims whitespace", "  A  ,  B  ", []Artist{{Name: "A"}, {Name: "B"}}},
		{"skips empties", "A,,B,", []Artist{{Name: "A"}, {Name: "B"}}},
		{"empty string", "", nil},
		{"only separators", " , , ", nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseArtistList(tc.raw)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseArtistList(%q) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestFriendDisplayLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		friend Friend
		want   string
	}{
		{"prefers display name", Friend{Identifier: "zoe.id", DisplayName: "Zoe"}, "Zoe"},
		{"falls back to identifier", Friend{Identifier: "zoe.id"}, "zoe.id"},
		{"both empty", Friend{}, ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.friend.DisplayLabel(); got != tc.want {
				t.Fatalf("DisplayLabel() = %q, want %q", got, tc.want)
			}
		})
	}
}

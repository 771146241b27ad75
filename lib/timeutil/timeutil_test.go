/*
 * LifeTrace
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package timeutil

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestRoundDown15(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid window",
			in:   time.Date(2026, 1, 2, 10, 37, 42, 123456789, time.UTC),
			want: time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "exact boundary",
			in:   time.Date(2026, 1, 2, 10, 45, 0, 0, time.UTC),
			want: time.Date(2026, 1, 2, 10, 45, 0, 0, time.UTC),
		},
		{
			name: "top of hour",
			in:   time.Date(2026, 1, 2, 10, 0, 59, 0, time.UTC),
			want: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "non utc input",
			in:   time.Date(2026, 1, 2, 10, 14, 0, 0, time.FixedZone("X", 3600)),
			want: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, RoundDown15(tt.in))
		})
	}
}

func TestWindowBounds(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 16, 30, 0, time.UTC)
	start, end := WindowBounds(at)
	require.Equal(t, time.Date(2026, 1, 2, 0, 15, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2026, 1, 2, 0, 30, 0, 0, time.UTC), end)

	pstart, pend := PreviousWindow(at)
	require.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), pstart)
	require.Equal(t, start, pend)
}

func TestNaiveAsUTC(t *testing.T) {
	local := time.Date(2026, 3, 4, 12, 30, 0, 0, time.FixedZone("CST", 8*3600))
	got := NaiveAsUTC(local)
	require.Equal(t, time.Date(2026, 3, 4, 12, 30, 0, 0, time.UTC), got)
}

func TestNowUTC(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.FixedZone("X", -5*3600))
	clock := clockwork.NewFakeClockAt(at)
	require.Equal(t, at.UTC(), NowUTC(clock))
	require.Equal(t, time.UTC, NowUTC(clock).Location())
}

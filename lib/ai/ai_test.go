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

package ai

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestUnavailable(t *testing.T) {
	err := Unavailable("api endpoint unreachable")
	require.True(t, IsUnavailable(err))
	require.True(t, IsUnavailable(trace.Wrap(err)))
	require.False(t, IsUnavailable(trace.BadParameter("malformed response")))
	require.False(t, IsUnavailable(nil))
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: `{"title":"x"}`, want: `{"title":"x"}`},
		{name: "fenced", in: "```\n{\"title\":\"x\"}\n```", want: `{"title":"x"}`},
		{name: "fenced with language", in: "```json\n{\"title\":\"x\"}\n```", want: `{"title":"x"}`},
		{name: "padded", in: "  {\"title\":\"x\"}  ", want: `{"title":"x"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, stripFences(tc.in))
		})
	}
}

func TestClip(t *testing.T) {
	require.Equal(t, "abc", clip("abc", 10))
	require.Equal(t, "ab", clip("abcd", 2))
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	require.True(t, trace.IsBadParameter(err))
}

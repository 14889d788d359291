// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuorumRequired(t *testing.T) {
	want := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3}
	for size, required := range want {
		got, err := Quorum.Required(size)
		require.NoError(t, err)
		assert.Equal(t, required, got, "pool size %d", size)
	}
}

func TestLiteralLevelsRequired(t *testing.T) {
	for _, size := range []int{1, 2, 5} {
		got, err := One.Required(size)
		require.NoError(t, err)
		assert.Equal(t, 1, got)

		got, err = Two.Required(size)
		require.NoError(t, err)
		assert.Equal(t, 2, got)
	}

	got, err := ConsistencyLevel(4).Required(3)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestUnknownLevel(t *testing.T) {
	for _, l := range []ConsistencyLevel{0, -2} {
		_, err := l.Required(3)
		var ce *ConfigurationError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, l, ce.Level)
	}
}

func TestParseConsistencyLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    ConsistencyLevel
		wantErr bool
	}{
		{in: "one", want: One},
		{in: "TWO", want: Two},
		{in: " quorum ", want: Quorum},
		{in: "3", want: ConsistencyLevel(3)},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "all", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConsistencyLevel(tt.in)
			if tt.wantErr {
				var ce *ConfigurationError
				assert.ErrorAs(t, err, &ce)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsistencyLevelString(t *testing.T) {
	assert.Equal(t, "one", One.String())
	assert.Equal(t, "two", Two.String())
	assert.Equal(t, "quorum", Quorum.String())
	assert.Equal(t, "3", ConsistencyLevel(3).String())
	assert.Equal(t, "invalid(0)", ConsistencyLevel(0).String())
}

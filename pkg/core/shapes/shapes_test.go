// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(2, 8, 8, 16)
	assert.Equal(t, 4, s.Rank())
	assert.Equal(t, 2*8*8*16, s.Size())
	assert.Equal(t, uintptr(4*2*8*8*16), s.Memory())
	assert.Equal(t, 16, s.Dim(-1))
	assert.Equal(t, 8, s.Dim(1))
	assert.Equal(t, "[2 8 8 16]", s.String())
	assert.True(t, s.Equal(Make(2, 8, 8, 16)))
	assert.False(t, s.Equal(Make(2, 8, 16, 8)))

	s2 := s.Clone()
	s2.Dimensions[0] = 3
	assert.Equal(t, 2, s.Dimensions[0])

	scalar := Make()
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())

	require.Panics(t, func() { Make(2, 0) })
	require.Panics(t, func() { s.Dim(4) })
	require.Panics(t, func() { s.Dim(-5) })
}

func TestCheckDims(t *testing.T) {
	s := Make(2, 8, 8, 16)
	require.NoError(t, CheckDims(s, 2, -1, -1, 16))
	require.Error(t, CheckDims(s, 2, 8, 8))
	require.Error(t, CheckDims(s, 2, 8, 8, 15))
}

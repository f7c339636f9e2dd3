// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shmem

import (
	"errors"
	"testing"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testElem struct {
	value int
}

func TestArena_NewAndAt(t *testing.T) {
	a := NewArena[testElem]("test", 4)

	off, err := a.New()
	require.NoError(t, err)
	a.At(off).value = 42

	assert.Equal(t, 42, a.At(off).value)
	assert.Equal(t, 1, a.InUse())
}

func TestArena_ExhaustionReturnsResourceExhausted(t *testing.T) {
	a := NewArena[testElem]("test", 2)

	_, err := a.New()
	require.NoError(t, err)
	_, err = a.New()
	require.NoError(t, err)

	_, err = a.New()
	assert.True(t, errors.Is(err, rdbmserr.ErrResourceExhausted))
}

func TestArena_FreeAndReuse(t *testing.T) {
	a := NewArena[testElem]("test", 1)

	off, err := a.New()
	require.NoError(t, err)
	require.NoError(t, a.Free(off))

	off2, err := a.New()
	require.NoError(t, err)
	assert.Equal(t, off, off2)
	assert.Equal(t, 0, a.At(off2).value, "freed-then-reused slot must be zeroed")
}

func TestArena_DoubleFreeIsStructuralViolation(t *testing.T) {
	a := NewArena[testElem]("test", 2)

	off, err := a.New()
	require.NoError(t, err)
	require.NoError(t, a.Free(off))

	err = a.Free(off)
	assert.True(t, errors.Is(err, rdbmserr.ErrStructural))
}

func TestArena_FreeOutOfRangeIsStructuralViolation(t *testing.T) {
	a := NewArena[testElem]("test", 2)

	err := a.Free(Offset(99))
	assert.True(t, errors.Is(err, rdbmserr.ErrStructural))
}

func TestArena_Cap(t *testing.T) {
	a := NewArena[testElem]("test", 7)
	assert.Equal(t, 7, a.Cap())
}

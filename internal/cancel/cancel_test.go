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

package cancel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_CheckIsNilWhenNotCancelled(t *testing.T) {
	var tok Token
	assert.NoError(t, tok.Check())
}

func TestToken_CheckFiresAfterCancel(t *testing.T) {
	var tok Token
	tok.Cancel()

	assert.ErrorIs(t, tok.Check(), ErrCancelled)
	assert.True(t, tok.Cancelled())
}

func TestToken_HoldoffDefersDelivery(t *testing.T) {
	var tok Token
	guard := tok.Holdoff()

	tok.Cancel()
	require.NoError(t, tok.Check(), "cancellation must be deferred during holdoff")

	guard.Release()
	assert.ErrorIs(t, tok.Check(), ErrCancelled, "deferred cancellation must fire once the holdoff ends")
}

func TestToken_NestedHoldoffsRequireAllReleased(t *testing.T) {
	var tok Token
	outer := tok.Holdoff()
	inner := tok.Holdoff()
	tok.Cancel()

	require.NoError(t, tok.Check())
	inner.Release()
	require.NoError(t, tok.Check(), "outer holdoff still active")
	outer.Release()
	assert.ErrorIs(t, tok.Check(), ErrCancelled)
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	var tok Token
	guard := tok.Holdoff()

	guard.Release()
	assert.NotPanics(t, func() { guard.Release() })

	// A double-release must not have made the holdoff counter negative,
	// which would incorrectly suppress a later real holdoff.
	tok.Cancel()
	assert.ErrorIs(t, tok.Check(), ErrCancelled)
}

func TestToken_Reset(t *testing.T) {
	var tok Token
	tok.Cancel()
	require.True(t, tok.Cancelled())

	tok.Reset()

	assert.False(t, tok.Cancelled())
	assert.NoError(t, tok.Check())
}

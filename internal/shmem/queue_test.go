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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueElem struct {
	link Queue
	id   int
}

func TestQueue_EmptyIsSelfLinked(t *testing.T) {
	elems := make([]queueElem, 1)
	elems[0].link.Init(0)

	assert.True(t, elems[0].link.Empty())
}

func TestQueue_InsertAfterAndRemove(t *testing.T) {
	elems := make([]queueElem, 3)
	for i := range elems {
		elems[i].id = i
		elems[i].link.Init(Offset(i))
	}
	linkAt := func(off Offset) *Queue { return &elems[off].link }

	require.True(t, elems[0].link.Empty())

	InsertAfter(linkAt, &elems[0].link, 1, &elems[1].link)
	assert.False(t, elems[0].link.Empty())

	InsertAfter(linkAt, &elems[0].link, 2, &elems[2].link)

	// Walk the ring starting at 0 and collect ids in order.
	var order []int
	cur := elems[0].link.next
	for cur != 0 {
		order = append(order, elems[cur].id)
		cur = elems[cur].link.next
	}
	assert.Equal(t, []int{2, 1}, order)

	Remove(linkAt, &elems[2].link)
	assert.True(t, elems[2].link.Empty())

	order = nil
	cur = elems[0].link.next
	for cur != 0 {
		order = append(order, elems[cur].id)
		cur = elems[cur].link.next
	}
	assert.Equal(t, []int{1}, order)
}

/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"sync"

	"github.com/pkg/errors"

	"mosn.io/ipc/pkg/types"
)

var errNotEnough = errors.New("span capacity is not enough")

// Span hands out consecutive, aligned sub-ranges of a region, typically to
// lay out several primitives and arrays in one segment. Every process must
// perform the same sequence of allocations to agree on the offsets.
type Span struct {
	sync.Mutex
	region types.Region
	offset int
}

// NewSpan starts allocating at the beginning of r.
func NewSpan(r types.Region) *Span {
	return &Span{region: r}
}

// Region returns the region the span allocates from.
func (s *Span) Region() types.Region {
	return s.region
}

// Alloc reserves size bytes whose address is a multiple of align and
// returns their offset in the region.
func (s *Span) Alloc(size, align int) (int, error) {
	s.Lock()
	defer s.Unlock()

	base := s.region.Base()
	if base == nil {
		return 0, errors.Wrap(types.ErrOutOfRange, "region is not mapped")
	}
	addr := uintptr(base) + uintptr(s.offset)
	offset := s.offset
	if align > 1 {
		offset += int((uintptr(align) - addr%uintptr(align)) % uintptr(align))
	}
	if _, err := types.Locate(s.region, offset, size, align); err != nil {
		if errors.Is(err, types.ErrOutOfRange) {
			return 0, errors.Wrapf(errNotEnough, "%d bytes at offset %d of %d", size, offset, s.region.Len())
		}
		return 0, err
	}
	s.offset = offset + size
	return offset, nil
}

// Offset returns the first offset not yet allocated.
func (s *Span) Offset() int {
	s.Lock()
	defer s.Unlock()
	return s.offset
}

// Remaining returns the number of bytes left after the last allocation.
func (s *Span) Remaining() int {
	s.Lock()
	defer s.Unlock()
	return s.region.Len() - s.offset
}

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

package types

import (
	"unsafe"

	"github.com/pkg/errors"
)

//go:generate mockgen -destination ../mock/region.go -package mock mosn.io/ipc/pkg/types Region

// Region is a contiguous block of memory owned by someone else: a heap buffer,
// an attached shared memory segment, a mapped file. Views and inline
// synchronization primitives are placed inside a Region at a byte offset.
//
// The memory described by Base and Len must stay valid for as long as the
// Region value is reachable.
type Region interface {
	// Base returns the address of the first byte, nil when the region is
	// detached or empty.
	Base() unsafe.Pointer

	// Len returns the size of the region in bytes.
	Len() int
}

// Locate validates that an object of the given size and alignment fits in
// r at offset and returns its address. Nothing is read or written.
func Locate(r Region, offset, size, align int) (unsafe.Pointer, error) {
	if r == nil {
		return nil, errors.Wrap(ErrOutOfRange, "nil region")
	}
	if offset < 0 {
		return nil, errors.Wrapf(ErrInvalidOffset, "offset %d is negative", offset)
	}
	if size < 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "size %d is negative", size)
	}
	length := r.Len()
	if offset > length || size > length-offset {
		return nil, errors.Wrapf(ErrOutOfRange, "offset %d + size %d exceeds region length %d", offset, size, length)
	}
	base := r.Base()
	if base == nil {
		return nil, errors.Wrap(ErrOutOfRange, "region is not mapped")
	}
	addr := unsafe.Add(base, offset)
	if align > 1 && uintptr(addr)%uintptr(align) != 0 {
		return nil, errors.Wrapf(ErrMisaligned, "address %#x (offset %d) is not a multiple of %d", uintptr(addr), offset, align)
	}
	return addr, nil
}

// Bytes returns the memory of r as a byte slice without copying. The slice
// aliases the region and is only valid while the region is.
func Bytes(r Region) []byte {
	if r == nil || r.Base() == nil || r.Len() == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(r.Base()), r.Len())
}

// AlignUp rounds n up to the next multiple of align, a power of two.
func AlignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

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
	"unsafe"

	"github.com/pkg/errors"

	"mosn.io/ipc/pkg/types"
)

// Buffer is process-private memory usable wherever a types.Region is
// expected. Its base address is 8-byte aligned.
type Buffer struct {
	words []uint64
	size  int
}

var _ types.Region = (*Buffer)(nil)

// NewBuffer allocates a zeroed buffer of size bytes.
func NewBuffer(size int) (*Buffer, error) {
	if size < 0 {
		return nil, errors.Wrapf(types.ErrInvalidSize, "buffer size %d", size)
	}
	return &Buffer{
		words: make([]uint64, (size+7)/8),
		size:  size,
	}, nil
}

func (b *Buffer) Base() unsafe.Pointer {
	if b.size == 0 {
		return nil
	}
	return unsafe.Pointer(&b.words[0])
}

func (b *Buffer) Len() int {
	return b.size
}

// Bytes returns the memory of the buffer.
func (b *Buffer) Bytes() []byte {
	return types.Bytes(b)
}

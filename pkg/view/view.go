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
// Package view maps typed, multi-dimensional arrays onto memory regions
// without copying. Elements are stored in row-major order.
package view

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/pkg/errors"

	"mosn.io/ipc/pkg/types"
)

// Array is a typed view of part of a region. Writes through the view are
// visible to every other view, and every process, sharing the memory.
type Array[T Element] struct {
	host    types.Region
	offset  int
	data    []T
	dims    []int
	strides []int
}

// New creates a view of T elements starting at offset in r. With no dims
// the view is one dimensional and holds as many elements as fit after
// offset.
func New[T Element](r types.Region, offset int, dims ...int) (*Array[T], error) {
	size := sizeOf[T]()
	if len(dims) == 0 {
		if r == nil {
			return nil, errors.Wrap(types.ErrOutOfRange, "nil region")
		}
		if offset >= 0 && offset <= r.Len() {
			dims = []int{(r.Len() - offset) / size}
		} else {
			dims = []int{0}
		}
	}
	n, err := count(dims)
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt/size {
		return nil, errors.Wrapf(types.ErrInvalidDimension, "%v elements of %d bytes overflow", dims, size)
	}
	p, err := types.Locate(r, offset, n*size, alignOf[T]())
	if err != nil {
		return nil, errors.WithMessagef(err, "view of %v %v", dims, ElemTypeOf[T]())
	}

	a := &Array[T]{
		host:   r,
		offset: offset,
		dims:   append([]int(nil), dims...),
	}
	if n > 0 {
		a.data = unsafe.Slice((*T)(p), n)
	} else {
		a.data = []T{}
	}
	a.strides = strides(a.dims)
	return a, nil
}

func count(dims []int) (int, error) {
	n := 1
	for _, d := range dims {
		if d < 0 {
			return 0, errors.Wrapf(types.ErrInvalidDimension, "dimension %d in %v", d, dims)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, errors.Wrapf(types.ErrInvalidDimension, "dimensions %v overflow", dims)
		}
		n *= d
	}
	return n, nil
}

func strides(dims []int) []int {
	s := make([]int, len(dims))
	step := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = step
		step *= dims[i]
	}
	return s
}

// Region returns the region the view lives in.
func (a *Array[T]) Region() types.Region {
	return a.host
}

// Offset returns the byte offset of the first element in the region.
func (a *Array[T]) Offset() int {
	return a.offset
}

// Len returns the number of elements.
func (a *Array[T]) Len() int {
	return len(a.data)
}

// Size returns the number of bytes covered by the view.
func (a *Array[T]) Size() int {
	return len(a.data) * sizeOf[T]()
}

// Dims returns a copy of the dimensions.
func (a *Array[T]) Dims() []int {
	return append([]int(nil), a.dims...)
}

// ElemType returns the element tag of the view.
func (a *Array[T]) ElemType() ElemType {
	return ElemTypeOf[T]()
}

// Data returns the elements in row-major order. The slice aliases the
// region.
func (a *Array[T]) Data() []T {
	return a.data
}

// Index converts a multi-dimensional index into a position in Data.
func (a *Array[T]) Index(idx ...int) (int, error) {
	if len(idx) != len(a.dims) {
		return 0, errors.Wrapf(types.ErrInvalidDimension, "%d indices for %d dimensions", len(idx), len(a.dims))
	}
	pos := 0
	for i, x := range idx {
		if x < 0 || x >= a.dims[i] {
			return 0, errors.Wrapf(types.ErrOutOfRange, "index %v outside %v", idx, a.dims)
		}
		pos += x * a.strides[i]
	}
	return pos, nil
}

// At returns the element at idx. It panics if idx is out of range.
func (a *Array[T]) At(idx ...int) T {
	return a.data[a.mustIndex(idx)]
}

// Set stores v at idx. It panics if idx is out of range.
func (a *Array[T]) Set(v T, idx ...int) {
	a.data[a.mustIndex(idx)] = v
}

func (a *Array[T]) mustIndex(idx []int) int {
	pos, err := a.Index(idx...)
	if err != nil {
		panic(err)
	}
	return pos
}

// Fill stores v in every element.
func (a *Array[T]) Fill(v T) {
	for i := range a.data {
		a.data[i] = v
	}
}

// Reshape returns a view of the same elements with new dimensions. The
// element count must not change.
func (a *Array[T]) Reshape(dims ...int) (*Array[T], error) {
	n, err := count(dims)
	if err != nil {
		return nil, err
	}
	if len(dims) == 0 || n != len(a.data) {
		return nil, errors.Wrapf(types.ErrInvalidDimension, "cannot reshape %v into %v", a.dims, dims)
	}
	d := append([]int(nil), dims...)
	return &Array[T]{host: a.host, offset: a.offset, data: a.data, dims: d, strides: strides(d)}, nil
}

// Row returns the sub-view at index i of the first dimension.
func (a *Array[T]) Row(i int) (*Array[T], error) {
	if len(a.dims) < 2 {
		return nil, errors.Wrapf(types.ErrInvalidDimension, "row of %d dimensional view", len(a.dims))
	}
	if i < 0 || i >= a.dims[0] {
		return nil, errors.Wrapf(types.ErrOutOfRange, "row %d outside %d", i, a.dims[0])
	}
	d := append([]int(nil), a.dims[1:]...)
	step := a.strides[0]
	return &Array[T]{
		host:    a.host,
		offset:  a.offset + i*step*sizeOf[T](),
		data:    a.data[i*step : (i+1)*step : (i+1)*step],
		dims:    d,
		strides: strides(d),
	}, nil
}

func (a *Array[T]) String() string {
	return fmt.Sprintf("Array[%v]%v@%d", ElemTypeOf[T](), a.dims, a.offset)
}

// Reinterpret returns a view of U elements over the bytes of a. With no
// dims it holds as many U as fit in those bytes.
func Reinterpret[U, T Element](a *Array[T], dims ...int) (*Array[U], error) {
	if len(dims) == 0 {
		dims = []int{a.Size() / sizeOf[U]()}
	}
	n, err := count(dims)
	if err != nil {
		return nil, err
	}
	if n*sizeOf[U]() > a.Size() {
		return nil, errors.Wrapf(types.ErrOutOfRange, "%v %v does not fit in %d bytes", dims, ElemTypeOf[U](), a.Size())
	}
	return New[U](a.host, a.offset, dims...)
}

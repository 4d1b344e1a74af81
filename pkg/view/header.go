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
package view

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"mosn.io/ipc/pkg/types"
)

const (
	// HeaderMagic marks a region that starts with a view header.
	HeaderMagic uint32 = 0x56435049 // "IPCV"

	// MaxDims bounds the dimension count a header may describe.
	MaxDims = 32

	headerFixed = 16
	dataAlign   = 64
)

// rawHeader is the fixed part of a view header. ndims int64 dimensions
// follow it; the elements start at dataOffset.
type rawHeader struct {
	magic      uint32
	elem       uint16
	ndims      uint16
	dataOffset uint64
}

// Header describes a view stored in a region by Wrap.
type Header struct {
	Elem       ElemType
	Dims       []int
	DataOffset int
}

// HeaderSize returns the offset of the data of a wrapped view with ndims
// dimensions.
func HeaderSize(ndims int) int {
	return types.AlignUp(headerFixed+8*ndims, dataAlign)
}

type readOnly interface {
	ReadOnly() bool
}

// Wrap writes a header describing a T view with dims at the start of r and
// returns the view that follows it. Another process can then rebuild the
// view with Attach knowing only the region. With no dims the view is one
// dimensional and fills the rest of the region.
func Wrap[T Element](r types.Region, dims ...int) (*Array[T], error) {
	if ro, ok := r.(readOnly); ok && ro.ReadOnly() {
		return nil, errors.Wrap(types.ErrReadOnly, "wrap view")
	}
	ndims := len(dims)
	if ndims == 0 {
		ndims = 1
	}
	if ndims > MaxDims {
		return nil, errors.Wrapf(types.ErrInvalidDimension, "%d dimensions, at most %d", ndims, MaxDims)
	}
	hdrSize := HeaderSize(ndims)
	p, err := types.Locate(r, 0, hdrSize, 8)
	if err != nil {
		return nil, errors.WithMessage(err, "view header")
	}
	a, err := New[T](r, hdrSize, dims...)
	if err != nil {
		return nil, err
	}

	h := (*rawHeader)(p)
	atomic.StoreUint32(&h.magic, 0)
	stored := unsafe.Slice((*int64)(unsafe.Add(p, headerFixed)), ndims)
	for i, d := range a.dims {
		stored[i] = int64(d)
	}
	h.elem = uint16(ElemTypeOf[T]())
	h.ndims = uint16(ndims)
	h.dataOffset = uint64(hdrSize)
	atomic.StoreUint32(&h.magic, HeaderMagic)
	return a, nil
}

// ReadHeader decodes the view header at the start of r.
func ReadHeader(r types.Region) (*Header, error) {
	p, err := types.Locate(r, 0, headerFixed, 8)
	if err != nil {
		return nil, errors.WithMessage(err, "view header")
	}
	h := (*rawHeader)(p)
	if atomic.LoadUint32(&h.magic) != HeaderMagic {
		return nil, errors.Wrap(types.ErrBadHeader, "missing magic")
	}
	elem := ElemType(h.elem)
	if !elem.Valid() {
		return nil, errors.Wrapf(types.ErrBadHeader, "element tag %d", h.elem)
	}
	ndims := int(h.ndims)
	if ndims < 1 || ndims > MaxDims {
		return nil, errors.Wrapf(types.ErrBadHeader, "%d dimensions", ndims)
	}
	if _, err := types.Locate(r, 0, headerFixed+8*ndims, 8); err != nil {
		return nil, errors.Wrap(types.ErrBadHeader, err.Error())
	}
	dataOffset := h.dataOffset
	if dataOffset < uint64(headerFixed+8*ndims) || dataOffset > uint64(r.Len()) || int(dataOffset)%elem.Size() != 0 {
		return nil, errors.Wrapf(types.ErrBadHeader, "data offset %d", dataOffset)
	}

	stored := unsafe.Slice((*int64)(unsafe.Add(p, headerFixed)), ndims)
	dims := make([]int, ndims)
	for i, d := range stored {
		if d < 0 || uint64(d) > uint64(r.Len()) {
			return nil, errors.Wrapf(types.ErrBadHeader, "dimension %d", d)
		}
		dims[i] = int(d)
	}
	return &Header{Elem: elem, Dims: dims, DataOffset: int(dataOffset)}, nil
}

// Attach rebuilds the view a Wrap call stored in r. The header must
// describe T elements.
func Attach[T Element](r types.Region) (*Array[T], error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if want := ElemTypeOf[T](); h.Elem != want {
		return nil, errors.Wrapf(types.ErrTypeMismatch, "header holds %v, requested %v", h.Elem, want)
	}
	return New[T](r, h.DataOffset, h.Dims...)
}

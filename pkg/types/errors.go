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
	"errors"
)

// Validation errors. They are detected before any system call and no
// resource exists when one of them is returned.
var (
	ErrInvalidOffset    = errors.New("invalid offset")
	ErrOutOfRange       = errors.New("out of region bounds")
	ErrMisaligned       = errors.New("misaligned address")
	ErrInvalidSize      = errors.New("invalid size")
	ErrInvalidDimension = errors.New("invalid dimension")
	ErrInvalidValue     = errors.New("invalid value")
	ErrInvalidName      = errors.New("invalid name")
	ErrTypeMismatch     = errors.New("element type mismatch")
	ErrBadHeader        = errors.New("bad array header")
	ErrReadOnly         = errors.New("region is read-only")
)

// Handle state errors.
var (
	ErrAlreadyLocked = errors.New("already locked by this handle")
	ErrNotLocked     = errors.New("not locked by this handle")
	ErrDestroyed     = errors.New("object destroyed or not initialized")
)

// Blocking outcomes. They are never wrapped so callers may compare them
// directly.
var (
	// ErrTimeout is returned when the deadline of a timed operation expires.
	ErrTimeout = errors.New("operation timed out")

	// ErrInterrupted is returned when a signal is delivered to a thread
	// blocked in a wait. The wait is not retried.
	ErrInterrupted = errors.New("wait interrupted by signal")
)

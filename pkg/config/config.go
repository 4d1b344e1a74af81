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
// Package config describes the IPC objects a deployment provisions and the
// settings of the control tool.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"

	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/types"
)

// Config is the root of a configuration file.
type Config struct {
	// logger
	LogPath   string     `json:"log_path,omitempty"`
	LogLevel  string     `json:"log_level,omitempty"`
	LogRoller string     `json:"log_roller,omitempty"`
	Perm      PermConfig `json:"perm,omitempty"`

	Segments   []SegmentConfig   `json:"segments,omitempty"`
	Semaphores []SemaphoreConfig `json:"semaphores,omitempty"`
	Metrics    *MetricsConfig    `json:"metrics,omitempty"`
}

// SegmentConfig describes a shared memory segment. Exactly one of Name
// (POSIX), Key or Path (System V, Path derives the key with ftok) is set.
type SegmentConfig struct {
	Name     string            `json:"name,omitempty"`
	Key      int32             `json:"key,omitempty"`
	Path     string            `json:"path,omitempty"`
	Project  int               `json:"project,omitempty"`
	Size     datasize.ByteSize `json:"size"`
	Perm     PermConfig        `json:"perm,omitempty"`
	Volatile bool              `json:"volatile,omitempty"`
}

// SysV reports whether the segment is a System V one.
func (s *SegmentConfig) SysV() bool {
	return s.Name == ""
}

// String names the segment in logs.
func (s *SegmentConfig) String() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Path != "":
		return fmt.Sprintf("ftok(%s, %d)", s.Path, s.Project)
	default:
		return fmt.Sprintf("key %#x", s.Key)
	}
}

// SemaphoreConfig describes a named semaphore.
type SemaphoreConfig struct {
	Name     string     `json:"name"`
	Value    int        `json:"value,omitempty"`
	Perm     PermConfig `json:"perm,omitempty"`
	Volatile bool       `json:"volatile,omitempty"`
}

// MetricsConfig describes a shared metrics zone.
type MetricsConfig struct {
	Zone        string            `json:"zone"`
	ZoneSize    datasize.ByteSize `json:"zone_size"`
	Namespace   string            `json:"namespace,omitempty"`
	LockTimeout DurationConfig    `json:"lock_timeout,omitempty"`
}

// Lifetime converts the volatile flag.
func Lifetime(volatile bool) types.Lifetime {
	if volatile {
		return types.Volatile
	}
	return types.Persistent
}

// PermConfig is a permission mode written as an octal string, such as
// "0640", or as a plain number.
type PermConfig os.FileMode

// FileMode returns the mode, or def when unset.
func (p PermConfig) FileMode(def os.FileMode) os.FileMode {
	if p == 0 {
		return def
	}
	return os.FileMode(p) & types.ModeMask
}

func (p *PermConfig) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if len(b) > 0 && b[0] != '"' {
		// a bare JSON number is taken as written, 416 == 0640
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return errors.Wrapf(types.ErrInvalidValue, "perm %s", s)
		}
		if n&^uint64(types.ModeMask) != 0 {
			return errors.Wrapf(types.ErrInvalidValue, "perm %s", s)
		}
		*p = PermConfig(n)
		return nil
	}
	mode, err := ParsePerm(s)
	if err != nil {
		return err
	}
	*p = PermConfig(mode)
	return nil
}

func (p PermConfig) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%#o"`, uint32(p))), nil
}

// ParsePerm parses an octal permission mode.
func ParsePerm(s string) (os.FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n&^uint64(types.ModeMask) != 0 {
		return 0, errors.Wrapf(types.ErrInvalidValue, "perm %q", s)
	}
	return os.FileMode(n), nil
}

// ParseLogLevel maps a level name to a log level, INFO when empty.
func ParseLogLevel(level string) (log.LogLevel, error) {
	if level == "" {
		return log.INFO, nil
	}
	lv, ok := log.ParseLevel(strings.ToUpper(level))
	if !ok {
		return log.INFO, errors.Wrapf(types.ErrInvalidValue, "log level %q", level)
	}
	return lv, nil
}

// DurationConfig wraps time.Duration so it can be written as '300ms' or '1h'.
type DurationConfig struct {
	time.Duration
}

func (d *DurationConfig) UnmarshalJSON(b []byte) (err error) {
	d.Duration, err = time.ParseDuration(strings.Trim(string(b), `"`))
	return
}

func (d DurationConfig) MarshalJSON() (b []byte, err error) {
	return []byte(fmt.Sprintf(`"%s"`, d.String())), nil
}

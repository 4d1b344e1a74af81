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
package log

import (
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	// writers keeps one rotating writer per absolute file path, so two
	// loggers on the same file do not rotate it twice.
	writers   = make(map[string]*lumberjack.Logger)
	writerMux sync.Mutex

	errInvalidRollerParameter = errors.New("invalid roller parameter")
)

// Rotation defaults. Control tools run briefly, so a log only grows large
// when a long provisioning script reuses the same file.
const (
	defaultRotateSize = 10 // MB
	defaultRotateAge  = 7  // days
	defaultRotateKeep = 3
)

// LogRoller describes the rotation of a file log.
type LogRoller struct {
	Filename   string
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool
	LocalTime  bool
}

func absPath(filename string) string {
	if p, err := filepath.Abs(filename); err == nil {
		return p
	}
	return filename
}

// GetLogWriter returns the rotating writer of the roller's file.
func (l LogRoller) GetLogWriter() io.Writer {
	path := absPath(l.Filename)
	writerMux.Lock()
	defer writerMux.Unlock()
	if w, ok := writers[path]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   l.Filename,
		MaxSize:    l.MaxSize,
		MaxAge:     l.MaxAge,
		MaxBackups: l.MaxBackups,
		Compress:   l.Compress,
		LocalTime:  l.LocalTime,
	}
	writers[path] = w
	return w
}

func forgetLogWriter(filename string) {
	writerMux.Lock()
	delete(writers, absPath(filename))
	writerMux.Unlock()
}

// DefaultLogRoller returns the rotation used when none is configured.
func DefaultLogRoller() *LogRoller {
	return &LogRoller{
		MaxSize:    defaultRotateSize,
		MaxAge:     defaultRotateAge,
		MaxBackups: defaultRotateKeep,
		LocalTime:  true,
	}
}

// ParseRoller parses space separated directives such as
// "size=10 age=7 keep=3 compress=on" on top of the defaults.
func ParseRoller(what string) (*LogRoller, error) {
	roller := DefaultLogRoller()
	for _, arg := range strings.Fields(what) {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, errors.Wrapf(errInvalidRollerParameter, "%q", arg)
		}
		var target *int
		switch key {
		case "size":
			target = &roller.MaxSize
		case "age":
			target = &roller.MaxAge
		case "keep":
			target = &roller.MaxBackups
		case "compress":
			switch value {
			case "on":
				roller.Compress = true
			case "off":
				roller.Compress = false
			default:
				return nil, errors.Wrapf(errInvalidRollerParameter, "%q", arg)
			}
			continue
		default:
			return nil, errors.Wrapf(errInvalidRollerParameter, "unknown directive %q", key)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, errors.Wrapf(errInvalidRollerParameter, "%q", arg)
		}
		*target = n
	}
	return roller, nil
}

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
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gsyslog "github.com/hashicorp/go-syslog"
)

var remoteSyslogPrefixes = map[string]string{
	"syslog+tcp://": "tcp",
	"syslog+udp://": "udp",
	"syslog://":     "udp",
}

// DefaultLogger is used by the library for lifecycle events. It writes
// warnings and errors to stderr until InitDefaultLogger replaces it.
var DefaultLogger Logger

// StartLogger is the console logger of command line tools.
var StartLogger Logger

func init() {
	StartLogger = &logger{
		Output:  "",
		Level:   INFO,
		fileMux: new(sync.RWMutex),
	}
	StartLogger.(*logger).Start()

	DefaultLogger = &logger{
		Output:  "",
		Level:   WARN,
		fileMux: new(sync.RWMutex),
	}
	DefaultLogger.(*logger).Start()
}

type logger struct {
	Output string
	Level  LogLevel
	*log.Logger
	Roller  *LogRoller
	writer  io.Writer
	fileMux *sync.RWMutex
}

// InitDefaultLogger replaces DefaultLogger with a logger writing to output,
// see NewLogger.
func InitDefaultLogger(output string, level LogLevel) error {
	lg, err := NewLogger(output, level)
	if err != nil {
		return err
	}
	DefaultLogger = lg
	return nil
}

// NewLogger creates a logger. Output is "" or "stderr", "stdout", "syslog",
// a remote syslog address such as "syslog+tcp://host:514", or a file path
// rolled by the default roller.
func NewLogger(output string, level LogLevel) (Logger, error) {
	return NewRollingLogger(output, level, DefaultLogRoller())
}

// NewRollingLogger is NewLogger with an explicit roller for file outputs; a
// nil roller writes the file without rotation.
func NewRollingLogger(output string, level LogLevel, roller *LogRoller) (Logger, error) {
	l := &logger{
		Output:  output,
		Level:   level,
		Roller:  roller,
		fileMux: new(sync.RWMutex),
	}
	return l, l.Start()
}

func (l *logger) Start() error {
	var err error

selectwriter:
	switch l.Output {
	case "", "stderr":
		l.writer = os.Stderr
	case "stdout":
		l.writer = os.Stdout
	case "syslog":
		l.writer, err = gsyslog.NewLogger(gsyslog.LOG_ERR, "LOCAL0", "ipc")
		if err != nil {
			return err
		}
	default:
		if address := parseSyslogAddress(l.Output); address != nil {
			l.writer, err = gsyslog.DialLogger(address.network, address.address, gsyslog.LOG_ERR, "LOCAL0", "ipc")
			if err != nil {
				return err
			}
			break selectwriter
		}

		if err := os.MkdirAll(filepath.Dir(l.Output), 0755); err != nil {
			return err
		}

		file, err := os.OpenFile(l.Output, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}

		if l.Roller != nil {
			file.Close()
			l.Roller.Filename = l.Output
			l.writer = l.Roller.GetLogWriter()
		} else {
			l.writer = file
		}
	}

	l.Logger = log.New(l.writer, "", log.LstdFlags)

	return nil
}

func (l *logger) Println(args ...interface{}) {
	l.fileMux.RLock()
	l.Logger.Println(args...)
	l.fileMux.RUnlock()
}

func (l *logger) Printf(format string, args ...interface{}) {
	l.fileMux.RLock()
	l.Logger.Printf(format, args...)
	l.fileMux.RUnlock()
}

func (l *logger) printf(pre, format string, args ...interface{}) {
	l.Printf(pre+" "+format, args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	if l.Level >= INFO {
		l.printf(InfoPre, format, args...)
	}
}

func (l *logger) Debugf(format string, args ...interface{}) {
	if l.Level >= DEBUG {
		l.printf(DebugPre, format, args...)
	}
}

func (l *logger) Warnf(format string, args ...interface{}) {
	if l.Level >= WARN {
		l.printf(WarnPre, format, args...)
	}
}

func (l *logger) Errorf(format string, args ...interface{}) {
	if l.Level >= ERROR {
		l.printf(ErrorPre, format, args...)
	}
}

// Fatalf logs and exits the process.
func (l *logger) Fatalf(format string, args ...interface{}) {
	l.printf(FatalPre, format, args...)
	os.Exit(1)
}

func (l *logger) Close() error {
	if l.writer == os.Stdout || l.writer == os.Stderr {
		return nil
	}

	if closer, ok := l.writer.(io.WriteCloser); ok {
		l.fileMux.Lock()
		err := closer.Close()
		l.fileMux.Unlock()
		return err
	}

	return nil
}

func (l *logger) Reopen() error {
	if l.writer == os.Stdout || l.writer == os.Stderr {
		return nil
	}

	if closer, ok := l.writer.(io.WriteCloser); ok {
		l.fileMux.Lock()
		defer l.fileMux.Unlock()
		if err := closer.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close log writer %s failed: %v\n", l.Output, err)
		}
		if l.Roller != nil {
			forgetLogWriter(l.Output)
		}
		return l.Start()
	}

	return nil
}

type syslogAddress struct {
	network string
	address string
}

func parseSyslogAddress(location string) *syslogAddress {
	for prefix, network := range remoteSyslogPrefixes {
		if strings.HasPrefix(location, prefix) {
			return &syslogAddress{
				network: network,
				address: strings.TrimPrefix(location, prefix),
			}
		}
	}

	return nil
}

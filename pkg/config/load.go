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
package config

import (
	"io/ioutil"
	"path/filepath"

	"github.com/ghodss/yaml"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/shm"
	"mosn.io/ipc/pkg/sync"
	"mosn.io/ipc/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Load reads, decodes and validates the configuration file at path. Files
// ending in .yaml or .yml are YAML, everything else JSON.
func Load(path string) (*Config, error) {
	log.StartLogger.Infof("[config] load config from %s", path)
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return Parse(content, yamlFormat(path))
}

// Parse decodes and validates a configuration.
func Parse(content []byte, isYAML bool) (*Config, error) {
	if isYAML {
		bytes, err := yaml.YAMLToJSON(content)
		if err != nil {
			return nil, errors.Wrap(err, "translate yaml to json")
		}
		content = bytes
	}
	cfg := &Config{}
	if err := json.Unmarshal(content, cfg); err != nil {
		return nil, errors.Wrap(err, "json unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as indented JSON.
func (c *Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func yamlFormat(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks every entry without touching the system.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogRoller != "" {
		if _, err := log.ParseRoller(c.LogRoller); err != nil {
			return errors.Wrap(err, "log roller")
		}
	}
	for i := range c.Segments {
		s := &c.Segments[i]
		if err := s.validate(); err != nil {
			return errors.WithMessagef(err, "segment %d", i)
		}
	}
	for i, s := range c.Semaphores {
		if _, err := shm.Path(s.Name); err != nil {
			return errors.WithMessagef(err, "semaphore %d", i)
		}
		if s.Value < 0 || s.Value > sync.SemValueMax {
			return errors.Wrapf(types.ErrInvalidValue, "semaphore %s value %d", s.Name, s.Value)
		}
	}
	if m := c.Metrics; m != nil {
		if _, err := shm.Path(m.Zone); err != nil {
			return errors.WithMessage(err, "metrics zone")
		}
		if m.ZoneSize == 0 {
			return errors.Wrap(types.ErrInvalidSize, "metrics zone size")
		}
	}
	return nil
}

func (s *SegmentConfig) validate() error {
	set := 0
	for _, b := range []bool{s.Name != "", s.Key != 0, s.Path != ""} {
		if b {
			set++
		}
	}
	if set != 1 {
		return errors.Wrap(types.ErrInvalidName, "exactly one of name, key and path must be set")
	}
	if s.Name != "" {
		if _, err := shm.Path(s.Name); err != nil {
			return err
		}
	}
	if s.Size == 0 || s.Size.Bytes() > uint64(int(^uint(0)>>1)) {
		return errors.Wrapf(types.ErrInvalidSize, "%s size %v", s, s.Size)
	}
	return nil
}

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
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/config"
	"mosn.io/ipc/pkg/log"
	metricsshm "mosn.io/ipc/pkg/metrics/shm"
	"mosn.io/ipc/pkg/shm"
	"mosn.io/ipc/pkg/sync"
)

var (
	configFlag = cli.StringFlag{
		Name:   "config, c",
		Usage:  "Load configuration from `FILE`",
		EnvVar: "IPC_CONFIG",
		Value:  "configs/ipc.json",
	}

	cmdProvision = cli.Command{
		Name:   "provision",
		Usage:  "create every segment, semaphore and metrics zone of a configuration",
		Flags:  []cli.Flag{configFlag},
		Action: provision,
	}

	cmdZone = cli.Command{
		Name:  "zone",
		Usage: "inspect shared metrics zones",
		Subcommands: []cli.Command{
			{
				Name:  "dump",
				Usage: "print every metric of a zone",
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:  "zone, z",
						Usage: "zone `NAME`",
					},
					cli.BoolFlag{
						Name:  "prometheus",
						Usage: "print in the Prometheus text format",
					},
					cli.StringFlag{
						Name:  "namespace",
						Usage: "Prometheus metric namespace",
						Value: "ipc",
					},
				},
				Action: zoneDump,
			},
		},
	}
)

// provisioned counts what a provision run did.
type provisioned struct {
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
}

func provision(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.LogPath != "" || cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		roller := log.DefaultLogRoller()
		if cfg.LogRoller != "" {
			if roller, err = log.ParseRoller(cfg.LogRoller); err != nil {
				return err
			}
		}
		logger, err := log.NewRollingLogger(cfg.LogPath, level, roller)
		if err != nil {
			return err
		}
		log.DefaultLogger = logger
	}
	defaultPerm := cfg.Perm.FileMode(0600)

	var zone *metricsshm.Zone
	if m := cfg.Metrics; m != nil {
		if m.LockTimeout.Duration > 0 {
			metricsshm.LockTimeout = m.LockTimeout.Duration
		}
		zone, err = metricsshm.OpenZone(m.Zone, int(m.ZoneSize.Bytes()), defaultPerm, config.Lifetime(false))
		if err != nil {
			return errors.WithMessage(err, "metrics zone")
		}
		defer zone.Detach()
	}
	created := metricsshm.NewCounterFunc(zone, "provision.created")()
	if c, ok := created.(*metricsshm.Counter); ok {
		defer c.Stop()
	}
	existing := metricsshm.NewCounterFunc(zone, "provision.existing")()
	if c, ok := existing.(*metricsshm.Counter); ok {
		defer c.Stop()
	}

	result := &provisioned{}
	record := func(what string, isNew bool) {
		if isNew {
			result.Created = append(result.Created, what)
			created.Inc(1)
		} else {
			result.Existing = append(result.Existing, what)
			existing.Inc(1)
		}
	}

	for i := range cfg.Segments {
		s := &cfg.Segments[i]
		isNew, err := provisionSegment(s, s.Perm.FileMode(defaultPerm))
		if err != nil {
			return errors.WithMessagef(err, "segment %s", s)
		}
		record("segment "+s.String(), isNew)
	}
	for _, s := range cfg.Semaphores {
		isNew, err := provisionSemaphore(s, s.Perm.FileMode(defaultPerm))
		if err != nil {
			return errors.WithMessagef(err, "semaphore %s", s.Name)
		}
		record("semaphore "+s.Name, isNew)
	}

	if c.GlobalBool("json") {
		return emit(c, result, "")
	}
	for _, what := range result.Created {
		fmt.Fprintf(c.App.Writer, "created %s\n", what)
	}
	for _, what := range result.Existing {
		fmt.Fprintf(c.App.Writer, "exists  %s\n", what)
	}
	return nil
}

func provisionSegment(s *config.SegmentConfig, perm os.FileMode) (bool, error) {
	size := int(s.Size.Bytes())
	lifetime := config.Lifetime(s.Volatile)
	var seg *shm.Segment
	var err error
	if s.Name != "" {
		seg, err = shm.CreatePosix(s.Name, size, perm, lifetime)
	} else {
		key := shm.Key(s.Key)
		if s.Path != "" {
			if key, err = shm.Ftok(s.Path, s.Project); err != nil {
				return false, err
			}
		}
		seg, err = shm.CreateSysV(key, size, perm, lifetime)
	}
	if errors.Is(err, unix.EEXIST) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, seg.Detach()
}

func provisionSemaphore(s config.SemaphoreConfig, perm os.FileMode) (bool, error) {
	sem, err := sync.OpenSemaphore(s.Name, os.O_CREATE|os.O_EXCL, perm, s.Value, config.Lifetime(s.Volatile))
	if errors.Is(err, unix.EEXIST) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, sem.Close()
}

func zoneDump(c *cli.Context) error {
	zone, err := metricsshm.AttachZone(c.String("zone"))
	if err != nil {
		return err
	}
	defer zone.Detach()

	if c.Bool("prometheus") {
		registry := prometheus.NewRegistry()
		if err := registry.Register(metricsshm.NewCollector(zone, c.String("namespace"), nil)); err != nil {
			return err
		}
		families, err := registry.Gather()
		if err != nil {
			return err
		}
		for _, f := range families {
			if _, err := expfmt.MetricFamilyToText(c.App.Writer, f); err != nil {
				return err
			}
		}
		return nil
	}

	entries, err := zone.Entries()
	if err != nil {
		return err
	}
	if c.GlobalBool("json") {
		return emit(c, entries, "")
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tVALUE\tREFS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%v\t%d\t%d\n", e.Name, e.Kind, e.Value, e.Refs)
	}
	return w.Flush()
}

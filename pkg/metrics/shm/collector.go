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
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"mosn.io/ipc/pkg/log"
)

// Collector exports every entry of a zone to Prometheus. The set of metrics
// changes as processes allocate entries, so the collector is unchecked.
type Collector struct {
	zone      *Zone
	namespace string
	labels    prometheus.Labels
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for z. Metric names are prefixed with
// namespace and carry the constant labels.
func NewCollector(z *Zone, namespace string, labels prometheus.Labels) *Collector {
	return &Collector{zone: z, namespace: namespace, labels: labels}
}

// Describe sends nothing, which makes the collector unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect sends the current value of every entry.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	entries, err := c.zone.Entries()
	if err != nil {
		log.DefaultLogger.Errorf("[metrics] collect zone %s failed: %v", c.zone.Name(), err)
		return
	}
	for _, e := range entries {
		valueType := prometheus.GaugeValue
		if e.Kind == KindCounter {
			valueType = prometheus.CounterValue
		}
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, "", metricName(e.Name)),
			"shared "+e.Kind.String()+" "+e.Name,
			nil, c.labels,
		)
		m, err := prometheus.NewConstMetric(desc, valueType, float64(e.Value))
		if err != nil {
			log.DefaultLogger.Warnf("[metrics] skip entry %s: %v", e.Name, err)
			continue
		}
		ch <- m
	}
}

// metricName maps an entry name onto the Prometheus name charset.
func metricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			return r
		case r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

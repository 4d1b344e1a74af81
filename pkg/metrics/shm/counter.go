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
	"sync/atomic"

	gometrics "github.com/rcrowley/go-metrics"

	"mosn.io/ipc/pkg/log"
)

// Counter is a gometrics.Counter stored in a zone entry.
type Counter struct {
	zone  *Zone
	entry *metricsEntry
}

var _ gometrics.Counter = (*Counter)(nil)

// Counter returns the counter called name, creating it if needed. Every
// process asking for the same name shares the value.
func (z *Zone) Counter(name string) (*Counter, error) {
	entry, err := z.alloc(name, KindCounter)
	if err != nil {
		return nil, err
	}
	return &Counter{zone: z, entry: entry}, nil
}

// Clear sets the counter to zero.
func (c *Counter) Clear() {
	atomic.StoreInt64(&c.entry.value, 0)
}

// Count returns the current count.
func (c *Counter) Count() int64 {
	return atomic.LoadInt64(&c.entry.value)
}

// Dec decrements the counter by the given amount.
func (c *Counter) Dec(i int64) {
	atomic.AddInt64(&c.entry.value, -i)
}

// Inc increments the counter by the given amount.
func (c *Counter) Inc(i int64) {
	atomic.AddInt64(&c.entry.value, i)
}

// Snapshot returns a read-only copy of the counter.
func (c *Counter) Snapshot() gometrics.Counter {
	return gometrics.CounterSnapshot(c.Count())
}

// Stop drops this reference to the entry. Once no process uses it, a
// Volatile zone reuses the entry; a Persistent zone keeps its value.
func (c *Counter) Stop() {
	if err := c.zone.free(c.entry); err != nil {
		log.DefaultLogger.Warnf("[metrics] free counter failed: %v", err)
	}
}

// Gauge is a gometrics.Gauge stored in a zone entry.
type Gauge struct {
	zone  *Zone
	entry *metricsEntry
}

var _ gometrics.Gauge = (*Gauge)(nil)

// Gauge returns the gauge called name, creating it if needed.
func (z *Zone) Gauge(name string) (*Gauge, error) {
	entry, err := z.alloc(name, KindGauge)
	if err != nil {
		return nil, err
	}
	return &Gauge{zone: z, entry: entry}, nil
}

// Update sets the gauge value.
func (g *Gauge) Update(v int64) {
	atomic.StoreInt64(&g.entry.value, v)
}

// Value returns the gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.entry.value)
}

// Snapshot returns a read-only copy of the gauge.
func (g *Gauge) Snapshot() gometrics.Gauge {
	return gometrics.GaugeSnapshot(g.Value())
}

// Stop drops this reference to the entry. Once no process uses it, a
// Volatile zone reuses the entry; a Persistent zone keeps its value.
func (g *Gauge) Stop() {
	if err := g.zone.free(g.entry); err != nil {
		log.DefaultLogger.Warnf("[metrics] free gauge failed: %v", err)
	}
}

// NewCounterFunc returns a constructor suitable for
// gometrics.Registry.GetOrRegister. Without a zone, or when the zone is
// full, it falls back to a heap counter.
func NewCounterFunc(z *Zone, name string) func() gometrics.Counter {
	return func() gometrics.Counter {
		if z != nil {
			c, err := z.Counter(name)
			if err == nil {
				return c
			}
			log.DefaultLogger.Warnf("[metrics] shared counter %s unavailable, using heap counter: %v", name, err)
		}
		return gometrics.NewCounter()
	}
}

// NewGaugeFunc is NewCounterFunc for gauges.
func NewGaugeFunc(z *Zone, name string) func() gometrics.Gauge {
	return func() gometrics.Gauge {
		if z != nil {
			g, err := z.Gauge(name)
			if err == nil {
				return g
			}
			log.DefaultLogger.Warnf("[metrics] shared gauge %s unavailable, using heap gauge: %v", name, err)
		}
		return gometrics.NewGauge()
	}
}

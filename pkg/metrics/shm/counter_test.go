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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	z := newZone(t, 10*1024)
	defer z.Detach()

	counter, err := z.Counter("counter")
	require.Nil(t, err)

	// inc
	counter.Inc(5)
	assert.Equal(t, int64(5), counter.Count())

	// dec
	counter.Dec(2)
	assert.Equal(t, int64(3), counter.Count())
	snapshot := counter.Snapshot()

	// clear
	counter.Clear()
	assert.Equal(t, int64(0), counter.Count())
	assert.Equal(t, int64(3), snapshot.Count())

	counter.Stop()
	entries, err := z.Entries()
	require.Nil(t, err)
	assert.Empty(t, entries)
}

func TestGauge(t *testing.T) {
	z := newZone(t, 10*1024)
	defer z.Detach()

	gauge, err := z.Gauge("gauge")
	require.Nil(t, err)
	gauge.Update(5)
	assert.Equal(t, int64(5), gauge.Value())

	gauge.Update(123)
	assert.Equal(t, int64(123), gauge.Value())
	assert.Equal(t, int64(123), gauge.Snapshot().Value())

	same, err := z.Gauge("gauge")
	require.Nil(t, err)
	assert.Equal(t, int64(123), same.Value())
	gauge.Stop()
	assert.Equal(t, int64(123), same.Value())
}

func TestRegistryConstructors(t *testing.T) {
	z := newZone(t, 10*1024)
	defer z.Detach()

	registry := gometrics.NewRegistry()
	c := registry.GetOrRegister("hits", NewCounterFunc(z, "hits")).(gometrics.Counter)
	c.Inc(2)
	_, shared := c.(*Counter)
	assert.True(t, shared)

	g := registry.GetOrRegister("depth", NewGaugeFunc(z, "depth")).(gometrics.Gauge)
	g.Update(9)

	direct, err := z.Counter("hits")
	require.Nil(t, err)
	assert.Equal(t, int64(2), direct.Count())

	heap := NewCounterFunc(nil, "hits")()
	_, shared = heap.(*Counter)
	assert.False(t, shared)
	heapGauge := NewGaugeFunc(z, string(make([]byte, MaxNameLen+1)))()
	_, shared = heapGauge.(*Gauge)
	assert.False(t, shared)
}

func TestCollector(t *testing.T) {
	z := newZone(t, 10*1024)
	defer z.Detach()

	c, err := z.Counter("conn.total")
	require.Nil(t, err)
	c.Inc(7)
	g, err := z.Gauge("conn-active")
	require.Nil(t, err)
	g.Update(3)

	registry := prometheus.NewRegistry()
	require.Nil(t, registry.Register(NewCollector(z, "ipc", prometheus.Labels{"zone": "test"})))
	families, err := registry.Gather()
	require.Nil(t, err)

	values := map[string]float64{}
	for _, f := range families {
		require.Len(t, f.GetMetric(), 1)
		m := f.GetMetric()[0]
		assert.Equal(t, "test", m.GetLabel()[0].GetValue())
		if m.Counter != nil {
			values[f.GetName()] = m.GetCounter().GetValue()
		} else {
			values[f.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"ipc_conn_total": 7, "ipc_conn_active": 3}, values)
	assert.Equal(t, "a_b_c9", metricName("a.b-c9"))
}

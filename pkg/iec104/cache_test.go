package iec104

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func fixedClock(c *DataPointCache, ts time.Time) {
	c.mu.Lock()
	c.now = func() time.Time { return ts }
	c.mu.Unlock()
}

func TestDefaultPointTable(t *testing.T) {
	c := NewDataPointCache(DefaultPoints())
	require.Equal(t, 14, c.Len())

	freq, ok := c.Get(1008)
	require.True(t, ok)
	assert.Equal(t, MMeNc1, freq.Type)
	assert.InDelta(t, 50.0, freq.Value.Float(), 1e-6)
	assert.Equal(t, DefaultCommonAddress, freq.CommonAddress)

	status, ok := c.Get(2000)
	require.True(t, ok)
	assert.Equal(t, MSpNa1, status.Type)
	assert.True(t, status.Value.Bool())

	breaker, _ := c.Get(3000)
	assert.False(t, breaker.Value.Bool())

	for field, addr := range DefaultFieldMap() {
		_, ok := c.Get(addr)
		assert.True(t, ok, "field %s maps to unregistered address %d", field, addr)
	}
}

func TestGetAllKeepsRegistrationOrder(t *testing.T) {
	c := NewDataPointCache(DefaultPoints())
	all := c.GetAll()
	require.Len(t, all, 14)
	assert.Equal(t, uint32(1000), all[0].Address)
	assert.Equal(t, uint32(4000), all[13].Address)

	all[0].Value = FloatValue(99)
	p, _ := c.Get(1000)
	assert.InDelta(t, 0.0, p.Value.Float(), 1e-6, "GetAll must return a copy")
}

func TestDuplicateAddressKeepsFirst(t *testing.T) {
	c := NewDataPointCache([]PointSpec{
		{Address: 10, Type: MMeNc1, Initial: FloatValue(1)},
		{Address: 10, Type: MSpNa1, Initial: BoolValue(true)},
	})
	require.Equal(t, 1, c.Len())
	p, _ := c.Get(10)
	assert.Equal(t, MMeNc1, p.Type)
}

func TestUpdate(t *testing.T) {
	c := NewDataPointCache(DefaultPoints())
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(c, ts)

	require.True(t, c.Update(4000, FloatValue(75)))
	p, _ := c.Get(4000)
	assert.InDelta(t, 75.0, p.Value.Float(), 1e-6)
	assert.Equal(t, ts, p.Timestamp)
	assert.Equal(t, QualityGood, p.Quality)

	assert.False(t, c.Update(9999, FloatValue(1)))
	_, ok := c.Get(9999)
	assert.False(t, ok, "update must not create points")
	assert.Equal(t, 14, c.Len())
}

func TestUpdateCoercesToPointType(t *testing.T) {
	c := NewDataPointCache(DefaultPoints())

	require.True(t, c.Update(3000, FloatValue(1)))
	p, _ := c.Get(3000)
	assert.True(t, p.Value.IsBool())
	assert.True(t, p.Value.Bool())

	require.True(t, c.Update(1000, BoolValue(true)))
	p, _ = c.Get(1000)
	assert.False(t, p.Value.IsBool())
	assert.InDelta(t, 1.0, p.Value.Float(), 1e-6)
}

func TestBulkUpdate(t *testing.T) {
	c := NewDataPointCache(DefaultPoints())
	ts := time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC)
	fixedClock(c, ts)

	n := c.BulkUpdate(DefaultFieldMap(), map[string]any{
		"Total_active_power": 480.2,
		"Voltage_L1":         json.Number("385"),
		"Frequency":          int64(50),
		"status":             false,
		"Unknown_field":      1.0,
		"Power_factor":       "0.97",
	})
	assert.Equal(t, 4, n)

	p, _ := c.Get(1000)
	assert.InDelta(t, 480.2, p.Value.Float(), 1e-3)
	assert.Equal(t, ts, p.Timestamp)

	p, _ = c.Get(1002)
	assert.InDelta(t, 385.0, p.Value.Float(), 1e-6)

	p, _ = c.Get(2000)
	assert.False(t, p.Value.Bool())

	p, _ = c.Get(1009)
	assert.InDelta(t, 1.0, p.Value.Float(), 1e-6, "string values are skipped")
}

func TestBulkUpdateSkipsUnregisteredAddress(t *testing.T) {
	c := NewDataPointCache(DefaultPoints())
	n := c.BulkUpdate(FieldMap{"ghost": 7777, "Frequency": 1008}, map[string]any{
		"ghost":     1.0,
		"Frequency": 49.9,
	})
	assert.Equal(t, 1, n)
	_, ok := c.Get(7777)
	assert.False(t, ok)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewDataPointCache(DefaultPoints())
	initial := c.GetAll()
	base := initial[0].Timestamp

	// Every clock read is a distinct instant, so a point's timestamp
	// identifies the write that produced it.
	var tick atomic.Int64
	c.mu.Lock()
	c.now = func() time.Time { return base.Add(time.Duration(tick.Inc()) * time.Millisecond) }
	c.mu.Unlock()

	written := []uint32{1000, 1001, 1002, 1003}
	const writes = 200
	isWritten := func(addr uint32) bool {
		for _, a := range written {
			if a == addr {
				return true
			}
		}
		return false
	}

	var wg sync.WaitGroup
	for _, addr := range written {
		wg.Add(1)
		go func(addr uint32) {
			defer wg.Done()
			for j := 1; j <= writes; j++ {
				c.Update(addr, FloatValue(float32(addr*10000+uint32(j))))
			}
		}(addr)
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			type seen struct {
				ts time.Time
				v  float32
			}
			prev := make(map[uint32]seen)
			for n := 0; n < 300; n++ {
				snapshot := c.GetAll()
				if !assert.Len(t, snapshot, len(initial)) {
					return
				}
				for i, p := range snapshot {
					assert.Equal(t, initial[i].Address, p.Address)
					assert.Equal(t, QualityGood, p.Quality)
					if !isWritten(p.Address) {
						assert.Equal(t, initial[i].Value, p.Value, "ioa %d changed", p.Address)
						assert.Equal(t, initial[i].Timestamp, p.Timestamp, "ioa %d changed", p.Address)
						continue
					}

					v := p.Value.Float()
					if p.Timestamp.Equal(base) {
						assert.Equal(t, float32(0), v, "ioa %d: initial timestamp with written value", p.Address)
					} else {
						k := uint32(v) - p.Address*10000
						assert.True(t, k >= 1 && k <= writes, "ioa %d holds foreign value %v", p.Address, v)
					}

					last, ok := prev[p.Address]
					if ok {
						assert.False(t, p.Timestamp.Before(last.ts), "ioa %d went back in time", p.Address)
						if p.Timestamp.Equal(last.ts) {
							assert.Equal(t, last.v, v, "ioa %d: same timestamp, different value", p.Address)
						} else {
							assert.Greater(t, v, last.v, "ioa %d: newer timestamp with older value", p.Address)
						}
					}
					prev[p.Address] = seen{ts: p.Timestamp, v: v}
				}
			}
		}()
	}
	wg.Wait()

	for _, addr := range written {
		p, ok := c.Get(addr)
		require.True(t, ok)
		assert.InDelta(t, float64(addr*10000+writes), p.Value.Float(), 1e-6)
	}
	assert.Equal(t, len(initial), c.Len())
}

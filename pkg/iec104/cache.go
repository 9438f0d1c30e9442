package iec104

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DataPointCache is the authoritative store of current telemetry. Points are
// registered once at construction and are never removed.
type DataPointCache struct {
	mu     sync.Mutex
	points []DataPoint    // insertion order
	index  map[uint32]int // address -> position in points
	now    func() time.Time
}

// NewDataPointCache registers the given points with their initial values.
// A repeated address keeps its first declaration.
func NewDataPointCache(specs []PointSpec) *DataPointCache {
	c := &DataPointCache{
		points: make([]DataPoint, 0, len(specs)),
		index:  make(map[uint32]int, len(specs)),
		now:    time.Now,
	}
	ts := c.now()
	for _, s := range specs {
		if _, dup := c.index[s.Address]; dup {
			logrus.WithFields(logrus.Fields{
				"component": "cache",
				"action":    "register",
				"ioa":       s.Address,
			}).Warn("Duplicate point address ignored")
			continue
		}
		t := s.Type
		if t != MSpNa1 {
			t = MMeNc1
		}
		ca := s.CommonAddress
		if ca == 0 {
			ca = DefaultCommonAddress
		}
		c.index[s.Address] = len(c.points)
		c.points = append(c.points, DataPoint{
			Address:       s.Address,
			Type:          t,
			Value:         s.Initial.As(t),
			Quality:       QualityGood,
			Timestamp:     ts,
			CommonAddress: ca,
		})
	}
	return c
}

// Len returns the number of registered points.
func (c *DataPointCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.points)
}

// Get returns a copy of the point at addr.
func (c *DataPointCache) Get(addr uint32) (DataPoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[addr]
	if !ok {
		return DataPoint{}, false
	}
	return c.points[i], true
}

// GetAll returns a copy of every point in registration order.
func (c *DataPointCache) GetAll() []DataPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DataPoint, len(c.points))
	copy(out, c.points)
	return out
}

// Update replaces the value of a registered point, refreshes its timestamp
// and resets its quality to good. It reports false, changing nothing, when
// addr is not registered. The value is converted to the point's type.
func (c *DataPointCache) Update(addr uint32, v Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[addr]
	if !ok {
		return false
	}
	c.set(i, v, c.now())
	return true
}

// BulkUpdate applies every value whose field name appears in mapping, all
// with one timestamp. Fields missing from mapping, unknown addresses and
// values of unsupported types are skipped. It returns the number of points
// updated.
func (c *DataPointCache) BulkUpdate(mapping FieldMap, values map[string]any) int {
	type change struct {
		addr uint32
		v    Value
	}
	changes := make([]change, 0, len(values))
	for field, raw := range values {
		addr, ok := mapping[field]
		if !ok {
			continue
		}
		v, ok := toValue(raw)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"component": "cache",
				"action":    "bulk_update",
				"field":     field,
				"type":      fmt.Sprintf("%T", raw),
			}).Warn("Unsupported telemetry value type")
			continue
		}
		changes = append(changes, change{addr: addr, v: v})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now()
	applied := 0
	for _, ch := range changes {
		i, ok := c.index[ch.addr]
		if !ok {
			continue
		}
		c.set(i, ch.v, ts)
		applied++
	}
	return applied
}

// set must be called with mu held.
func (c *DataPointCache) set(i int, v Value, ts time.Time) {
	p := &c.points[i]
	p.Value = v.As(p.Type)
	p.Timestamp = ts
	p.Quality = QualityGood
}

func toValue(raw any) (Value, bool) {
	switch x := raw.(type) {
	case Value:
		return x, true
	case bool:
		return BoolValue(x), true
	case float32:
		return FloatValue(x), true
	case float64:
		return FloatValue(float32(x)), true
	case int:
		return FloatValue(float32(x)), true
	case int32:
		return FloatValue(float32(x)), true
	case int64:
		return FloatValue(float32(x)), true
	case uint16:
		return FloatValue(float32(x)), true
	case uint32:
		return FloatValue(float32(x)), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, false
		}
		return FloatValue(float32(f)), true
	default:
		return Value{}, false
	}
}

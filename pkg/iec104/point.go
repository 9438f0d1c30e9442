package iec104

import (
	"fmt"
	"strconv"
	"time"
)

// Quality is the quality descriptor carried with monitored values.
type Quality byte

// Quality descriptor bits
const (
	QualityGood       Quality = 0x00
	QualityOverflow   Quality = 0x01 // OV, measured values only
	QualityNotTopical Quality = 0x40 // NT
	QualityInvalid    Quality = 0x80 // IV
)

func (q Quality) String() string {
	if q == QualityGood {
		return "good"
	}
	s := ""
	add := func(flag Quality, name string) {
		if q&flag != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(QualityInvalid, "invalid")
	add(QualityNotTopical, "not-topical")
	add(QualityOverflow, "overflow")
	if s == "" {
		return fmt.Sprintf("Quality(0x%02x)", byte(q))
	}
	return s
}

type valueKind byte

const (
	kindFloat valueKind = iota
	kindBool
)

// Value holds either a boolean status or a 32-bit float measurement.
type Value struct {
	kind valueKind
	b    bool
	f    float32
}

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value {
	return Value{kind: kindBool, b: b}
}

// FloatValue returns a floating point Value.
func FloatValue(f float32) Value {
	return Value{kind: kindFloat, f: f}
}

// IsBool reports whether v holds a boolean.
func (v Value) IsBool() bool {
	return v.kind == kindBool
}

// Bool returns the boolean state; a float is true when non-zero.
func (v Value) Bool() bool {
	if v.kind == kindBool {
		return v.b
	}
	return v.f != 0
}

// Float returns the float value; a boolean maps to 1 or 0.
func (v Value) Float() float32 {
	if v.kind == kindFloat {
		return v.f
	}
	if v.b {
		return 1
	}
	return 0
}

// As converts v to the representation required by a point type.
func (v Value) As(t TypeID) Value {
	if t == MSpNa1 {
		return BoolValue(v.Bool())
	}
	return FloatValue(v.Float())
}

func (v Value) String() string {
	if v.kind == kindBool {
		if v.b {
			return "ON"
		}
		return "OFF"
	}
	return strconv.FormatFloat(float64(v.f), 'f', -1, 32)
}

// DataPoint is the current state of one information object.
type DataPoint struct {
	Address       uint32
	Type          TypeID // MSpNa1 or MMeNc1
	Value         Value
	Quality       Quality
	Timestamp     time.Time
	CommonAddress uint16
}

// PointSpec declares a point registered in the cache at startup.
type PointSpec struct {
	Address       uint32
	Type          TypeID
	Initial       Value
	CommonAddress uint16
	Name          string
}

// DefaultCommonAddress is used for points declared without one.
const DefaultCommonAddress uint16 = 1

// DefaultPoints is the point table of the reference plant: grid meter
// measurements, plant status, breaker and relay states and the active
// power setpoint.
func DefaultPoints() []PointSpec {
	return []PointSpec{
		{Address: 1000, Type: MMeNc1, Initial: FloatValue(0), Name: "Total active power"},
		{Address: 1001, Type: MMeNc1, Initial: FloatValue(0), Name: "Total reactive power"},
		{Address: 1002, Type: MMeNc1, Initial: FloatValue(0), Name: "Voltage L1"},
		{Address: 1003, Type: MMeNc1, Initial: FloatValue(0), Name: "Voltage L2"},
		{Address: 1004, Type: MMeNc1, Initial: FloatValue(0), Name: "Voltage L3"},
		{Address: 1005, Type: MMeNc1, Initial: FloatValue(0), Name: "Current L1"},
		{Address: 1006, Type: MMeNc1, Initial: FloatValue(0), Name: "Current L2"},
		{Address: 1007, Type: MMeNc1, Initial: FloatValue(0), Name: "Current L3"},
		{Address: 1008, Type: MMeNc1, Initial: FloatValue(50), Name: "Frequency"},
		{Address: 1009, Type: MMeNc1, Initial: FloatValue(1), Name: "Power factor"},
		{Address: 2000, Type: MSpNa1, Initial: BoolValue(true), Name: "Plant online"},
		{Address: 3000, Type: MSpNa1, Initial: BoolValue(false), Name: "Breaker"},
		{Address: 3001, Type: MSpNa1, Initial: BoolValue(false), Name: "Relay 1"},
		{Address: 4000, Type: MMeNc1, Initial: FloatValue(0), Name: "Power setpoint"},
	}
}

// FieldMap maps upstream telemetry field names to object addresses.
type FieldMap map[string]uint32

// DefaultFieldMap is the field table used by the upstream aggregator.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		"Total_active_power":   1000,
		"Total_reactive_power": 1001,
		"Voltage_L1":           1002,
		"Voltage_L2":           1003,
		"Voltage_L3":           1004,
		"Current_L1":           1005,
		"Current_L2":           1006,
		"Current_L3":           1007,
		"Frequency":            1008,
		"Power_factor":         1009,
		"status":               2000,
	}
}

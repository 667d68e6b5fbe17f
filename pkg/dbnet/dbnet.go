// Package dbnet implements the AMiT DB-Net/IP protocol used to read and write
// process variables on AMiT PLCs over UDP.
package dbnet

import (
	"fmt"
	"math"
	"time"
)

// Defaults for AMiT controllers as shipped.
const (
	DefaultPort        = 59
	DefaultStationAddr = 4
	DefaultClientAddr  = 31
	DefaultTimeout     = 2 * time.Second
)

// VarType is the on-wire type code of a PLC variable.
type VarType uint8

const (
	Int16 VarType = iota
	Int32
	Float32
	Array
	TimeArray
	Structure
)

// Scalar reports whether the type can be read or written as a single
// register. Array, TimeArray, and Structure variables are enumerable but not
// otherwise accessible.
func (t VarType) Scalar() bool {
	return t == Int16 || t == Int32 || t == Float32
}

// String returns the name AMiT's own tooling uses for t.
func (t VarType) String() string {
	switch t {
	case Int16:
		return "Int"
	case Int32:
		return "Long"
	case Float32:
		return "Float"
	case Array:
		return "Array"
	case TimeArray:
		return "TimeArray"
	case Structure:
		return "Structure"
	}
	return fmt.Sprintf("VarType(%d)", uint8(t))
}

// Variable is one entry of a controller's variable catalog.
type Variable struct {
	// Name is the variable's name as configured in the controller project, up
	// to 12 Latin-1 characters.
	Name string

	// WID is the variable's wire identifier.
	WID uint16

	// Type is fixed at enumeration time.
	Type VarType

	// Writable is advisory only: it is derived from vendor naming conventions
	// (see ReadOnlyName) and may be overridden by the operator. WriteScalar
	// refuses variables with Writable set to false.
	Writable bool
}

func (v Variable) String() string {
	return fmt.Sprintf("%s (wid %d, %s)", v.Name, v.WID, v.Type)
}

// Value is a decoded scalar register value.
type Value struct {
	typ  VarType
	bits uint32
}

// Int16Value returns an Int16 Value.
func Int16Value(x int16) Value { return Value{Int16, uint32(uint16(x))} }

// Int32Value returns an Int32 Value.
func Int32Value(x int32) Value { return Value{Int32, uint32(x)} }

// Float32Value returns a Float32 Value.
func Float32Value(x float32) Value { return Value{Float32, math.Float32bits(x)} }

// Type returns the type the value was decoded as.
func (v Value) Type() VarType { return v.typ }

// Int16 returns the value as an int16. It is only meaningful for Int16
// values.
func (v Value) Int16() int16 { return int16(v.bits) }

// Int32 returns the value as an int32. It is only meaningful for Int32
// values.
func (v Value) Int32() int32 { return int32(v.bits) }

// Float32 returns the value as a float32. It is only meaningful for Float32
// values.
func (v Value) Float32() float32 { return math.Float32frombits(v.bits) }

// Float64 returns the value widened to a float64 regardless of its type.
func (v Value) Float64() float64 {
	switch v.typ {
	case Int16:
		return float64(v.Int16())
	case Int32:
		return float64(v.Int32())
	default:
		return float64(v.Float32())
	}
}

func (v Value) String() string {
	switch v.typ {
	case Int16:
		return fmt.Sprintf("%d", v.Int16())
	case Int32:
		return fmt.Sprintf("%d", v.Int32())
	case Float32:
		return fmt.Sprintf("%g", v.Float32())
	}
	return fmt.Sprintf("Value(%s)", v.typ)
}

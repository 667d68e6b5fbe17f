package dbnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"
)

// The controller keeps its variable directory in a descriptor memory region.
// Enumeration probes it one descriptor at a time; the region contains unused
// slots and malformed records, so descriptors are filtered heuristically and
// the scan terminates on a consecutive-failure bound.
const (
	descriptorBase = 0xFFFD0000
	descriptorSize = 26

	catalogWIDMin = 4000
	catalogWIDMax = 6000
)

// Enumeration bounds.
const (
	DefaultScanMaxVariables = 1500
	DefaultScanMaxFailures  = 10
	DefaultScanPace         = 20 * time.Millisecond
)

// LoadVariables enumerates the controller's variable catalog. Individual
// probe failures are tolerated up to the configured consecutive-failure
// bound; only context cancellation aborts the scan. The result is sorted by
// WID.
func (c *Client) LoadVariables(ctx context.Context) ([]Variable, error) {
	var vars []Variable
	failures := 0

	c.Logger.Info().Msg("loading variable catalog")
	for i := 0; i < c.scanMaxVars && failures < c.scanMaxFail; i++ {
		if v, ok := c.probeDescriptor(ctx, i); ok {
			vars = append(vars, v)
			failures = 0
			if len(vars)%100 == 0 {
				c.Logger.Debug().Int("count", len(vars)).Msg("loading variables")
			}
		} else {
			failures++
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.scanPace):
		}
	}

	sort.Slice(vars, func(i, j int) bool {
		return vars[i].WID < vars[j].WID
	})
	c.Logger.Info().Int("count", len(vars)).Msg("loaded variable catalog")
	return vars, nil
}

// probeDescriptor reads descriptor slot i and extracts a variable from it, if
// the slot holds a valid one.
func (c *Client) probeDescriptor(ctx context.Context, i int) (Variable, bool) {
	frame := readMemoryFrame(c.station, c.client, descriptorBase+uint32(i), descriptorSize)
	resp, err := c.sendReceive(ctx, frame, txReadMemory, fmt.Sprintf("read_memory slot=%d", i))
	if err != nil {
		c.Logger.Debug().Err(err).Int("slot", i).Msg("descriptor probe failed")
		return Variable{}, false
	}

	if len(resp) < 10 || resp[0] != frameData {
		return Variable{}, false
	}
	end := 4 + int(resp[1])
	if end > len(resp) {
		end = len(resp)
	}
	data := resp[8:end]
	if len(data) < 22 {
		return Variable{}, false
	}

	wid := binary.LittleEndian.Uint16(data[8:])
	name := latin1(data[12:24])

	if name == "" || !asciiLetter(name[0]) || wid < catalogWIDMin || wid > catalogWIDMax {
		return Variable{}, false
	}

	t := VarType(data[2])
	if t > Structure {
		t = Structure
	}

	return Variable{
		Name:     name,
		WID:      wid,
		Type:     t,
		Writable: !ReadOnlyName(name),
	}, true
}

func asciiLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// ReadScalar reads the current value of v. Only Int16, Int32, and Float32
// variables can be read.
func (c *Client) ReadScalar(ctx context.Context, v Variable) (Value, error) {
	if !v.Type.Scalar() {
		return Value{}, fmt.Errorf("%w: read %s variable %q", ErrUnsupportedType, v.Type, v.Name)
	}

	frame := readFrame(c.station, c.client, v.WID, v.Type)
	resp, err := c.sendReceive(ctx, frame, txRead, fmt.Sprintf("read wid=%d", v.WID))
	if err != nil {
		return Value{}, err
	}

	_, _, status, value, err := parseResponse(resp)
	if err != nil {
		return Value{}, err
	}
	if status != statusOK {
		return Value{}, StatusError{status}
	}
	return decodeValue(v.Type, value)
}

// WriteScalar writes val to v. The value's type must match the variable's,
// and the variable must not be marked read-only.
func (c *Client) WriteScalar(ctx context.Context, v Variable, val Value) error {
	if !v.Type.Scalar() {
		return fmt.Errorf("%w: write %s variable %q", ErrUnsupportedType, v.Type, v.Name)
	}
	if !v.Writable {
		return fmt.Errorf("%w: %q", ErrReadOnly, v.Name)
	}
	if val.Type() != v.Type {
		return fmt.Errorf("cannot write %s value to %s variable %q", val.Type(), v.Type, v.Name)
	}

	frame := writeFrame(c.station, c.client, v.WID, val)
	resp, err := c.sendReceive(ctx, frame, txWrite, fmt.Sprintf("write wid=%d", v.WID))
	if err != nil {
		return err
	}

	_, _, status, _, err := parseResponse(resp)
	if err != nil {
		return err
	}
	if status != statusOK && status != statusWriteAccepted {
		return StatusError{status}
	}
	return nil
}

// readOnlyPrefixes are the naming conventions AMiT projects use for measured
// values, states, and alarms, which only the controller itself should update.
var readOnlyPrefixes = []string{
	"TE",      // measured temperatures
	"TEPROST", // room temperatures
	"TEVEN",   // outdoor temperature
	"TTUV",    // DHW temperature
	"Trek",    // recuperation temperature
	"pokoj",   // room sensors
	"Por",     // faults
	"ALARM",   // alarms
	"Stav",    // states
	"status",  // status words
	"CO2_",    // CO2 sensors
	"koupl",   // bathroom temperatures
	"Teoko",   // circuit temperatures
}

// ReadOnlyName reports whether name follows a conventional read-only naming
// pattern. The result seeds Variable.Writable during enumeration; it is
// advisory and may be overridden by the operator.
func ReadOnlyName(name string) bool {
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

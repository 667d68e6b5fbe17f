package dbnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"
)

// descriptor builds one 26-byte descriptor-region record.
func descriptor(wid uint16, typ uint8, name string) []byte {
	d := make([]byte, descriptorSize)
	d[2] = typ
	binary.LittleEndian.PutUint16(d[8:], wid)
	copy(d[12:24], name)
	return d
}

// plcDescriptorResponse builds the inner frame answering a descriptor probe.
func plcDescriptorResponse(d []byte) []byte {
	return appendDataFrame(nil, 0x1F, 0x04, append([]byte{0x00, fnReadMemory}, d...))
}

// descriptorSlot extracts the probed slot index from a memory-read request.
// It runs on the peer's goroutine, so it must not call t.Fatalf.
func descriptorSlot(t *testing.T, inner []byte) int {
	t.Helper()
	if len(inner) < 14 || inner[0] != frameData || inner[6] != fcbRead || inner[7] != fnReadMemory {
		t.Errorf("expected a memory read, got % x", inner)
		return -1
	}
	addr := binary.LittleEndian.Uint32(inner[8:])
	if count := binary.LittleEndian.Uint16(inner[12:]); count != descriptorSize {
		t.Errorf("expected a %d-byte probe, got %d", descriptorSize, count)
	}
	return int(addr - descriptorBase)
}

func scanConfig() Config {
	return Config{
		Timeout:  250 * time.Millisecond,
		ScanPace: time.Millisecond,
	}
}

func TestLoadVariables(t *testing.T) {
	p := newTestPLC(t)
	p.setHandler(func(tx, key uint32, inner []byte) [][]byte {
		slot := descriptorSlot(t, inner)
		if slot >= 10 {
			// an unused slot: a validly shaped record with no name
			return [][]byte{plcResponse(tx, 0, 0, plcDescriptorResponse(descriptor(0, 0, "")))}
		}
		// enumerate them out of order to check the result is sorted
		wid := uint16(4000 + (slot+5)%10)
		name := fmt.Sprintf("T%02d", (slot+5)%10+1)
		return [][]byte{plcResponse(tx, 0, 0, plcDescriptorResponse(descriptor(wid, uint8(Float32), name)))}
	})

	c := dialTest(t, p, scanConfig())

	vars, err := c.LoadVariables(context.Background())
	if err != nil {
		t.Fatalf("load variables: %v", err)
	}
	if len(vars) != 10 {
		t.Fatalf("expected 10 variables, got %d", len(vars))
	}
	for i, v := range vars {
		if v.WID != uint16(4000+i) {
			t.Errorf("result not sorted by wid: %v", vars)
			break
		}
		if v.Type != Float32 {
			t.Errorf("incorrect type for %s: %s", v.Name, v.Type)
		}
		if !v.Writable {
			t.Errorf("%s should be writable", v.Name)
		}
	}

	// 10 hits, then the full run of consecutive failures, and not one more
	if n := p.requests(); n != 10+DefaultScanMaxFailures {
		t.Errorf("expected %d probes, got %d", 10+DefaultScanMaxFailures, n)
	}
}

func TestLoadVariablesAllMalformed(t *testing.T) {
	p := newTestPLC(t)
	p.setHandler(func(tx, key uint32, inner []byte) [][]byte {
		return [][]byte{plcResponse(tx, 0, 0, []byte{0x42, 0x00, 0x00, 0x00, 0x00, 0x00})}
	})

	c := dialTest(t, p, scanConfig())

	vars, err := c.LoadVariables(context.Background())
	if err != nil {
		t.Fatalf("load variables: %v", err)
	}
	if len(vars) != 0 {
		t.Errorf("expected no variables, got %v", vars)
	}
	if n := p.requests(); n != DefaultScanMaxFailures {
		t.Errorf("expected %d probes, got %d", DefaultScanMaxFailures, n)
	}
}

func TestLoadVariablesFiltering(t *testing.T) {
	descs := map[int][]byte{
		0: descriptor(4000, uint8(Int16), "TEVEN1"),   // valid, read-only prefix
		1: descriptor(3999, uint8(Int16), "Mimo"),     // wid below range
		2: descriptor(6001, uint8(Int16), "Mimo2"),    // wid above range
		3: descriptor(4500, uint8(Int16), "1Cislo"),   // name not starting with a letter
		4: descriptor(4501, 200, "Zvlastni"),          // unknown type code
		5: descriptor(6000, uint8(Float32), "Zadana"), // valid, at the wid bound
	}

	p := newTestPLC(t)
	p.setHandler(func(tx, key uint32, inner []byte) [][]byte {
		d, ok := descs[descriptorSlot(t, inner)]
		if !ok {
			d = descriptor(0, 0, "")
		}
		return [][]byte{plcResponse(tx, 0, 0, plcDescriptorResponse(d))}
	})

	c := dialTest(t, p, scanConfig())

	vars, err := c.LoadVariables(context.Background())
	if err != nil {
		t.Fatalf("load variables: %v", err)
	}
	if len(vars) != 3 {
		t.Fatalf("expected 3 variables, got %v", vars)
	}
	if vars[0].Name != "TEVEN1" || vars[0].Writable {
		t.Errorf("TEVEN1 should be present and read-only: %+v", vars[0])
	}
	if vars[1].Name != "Zvlastni" || vars[1].Type != Structure {
		t.Errorf("unknown type codes should fall back to Structure: %+v", vars[1])
	}
	if vars[2].Name != "Zadana" || vars[2].WID != 6000 {
		t.Errorf("wid 6000 should be accepted: %+v", vars[2])
	}
}

func TestLoadVariablesCancelled(t *testing.T) {
	p := newTestPLC(t)
	p.setHandler(func(tx, key uint32, inner []byte) [][]byte {
		return [][]byte{plcResponse(tx, 0, 0, plcDescriptorResponse(descriptor(4000, uint8(Int16), "Teplota")))}
	})

	c := dialTest(t, p, scanConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.LoadVariables(ctx); err == nil {
		t.Error("expected an error from a cancelled scan")
	}
}

func TestReadScalarUnsupported(t *testing.T) {
	p := newTestPLC(t)
	c := dialTest(t, p, Config{})

	for _, typ := range []VarType{Array, TimeArray, Structure} {
		v := Variable{Name: "Blok", WID: 4000, Type: typ}
		if _, err := c.ReadScalar(context.Background(), v); err == nil {
			t.Errorf("%s: expected an error", typ)
		}
	}
	if n := p.requests(); n != 0 {
		t.Errorf("non-scalar reads should not touch the wire, got %d requests", n)
	}
}

func TestReadOnlyName(t *testing.T) {
	for name, ro := range map[string]bool{
		"TEVEN":     true,
		"TTUV1":     true,
		"ALARM_OK":  true,
		"StavKotle": true,
		"Zadana":    false,
		"Rezim":     false,
		"":          false,
	} {
		if got := ReadOnlyName(name); got != ro {
			t.Errorf("ReadOnlyName(%q) = %v, expected %v", name, got, ro)
		}
	}
}

package plcscan

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.StationAddr != 4 || c.ClientAddr != 31 {
		t.Errorf("incorrect default addresses %d, %d", c.StationAddr, c.ClientAddr)
	}
	if c.Timeout != 2*time.Second {
		t.Errorf("incorrect default timeout %v", c.Timeout)
	}
	if c.ScanMaxVariables != 1500 || c.ScanMaxFailures != 10 || c.ScanPace != 20*time.Millisecond {
		t.Errorf("incorrect scan defaults %d, %d, %v", c.ScanMaxVariables, c.ScanMaxFailures, c.ScanPace)
	}
	if c.LogLevel != zerolog.DebugLevel || !c.LogStderr || !c.LogStderrPretty {
		t.Errorf("incorrect log defaults")
	}
	if c.Addr != "" || c.DB != "" || c.JSON != "" {
		t.Errorf("outputs should default to empty")
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{
		"DBNET_ADDR=192.0.2.7:59",
		"DBNET_STATION_ADDR=2",
		"DBNET_PASSWORD=0xDEADBEEF",
		"DBNET_TIMEOUT=500ms",
		"DBNET_READ_VALUES=true",
		"DBNET_LOG_LEVEL=warn",
		"IGNORED_OTHER=1",
	}, false)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Addr != "192.0.2.7:59" || c.StationAddr != 2 || c.Timeout != 500*time.Millisecond {
		t.Errorf("overrides not applied: %+v", c)
	}
	if !c.ReadValues || c.LogLevel != zerolog.WarnLevel {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.ClientAddr != 31 {
		t.Errorf("unset vars should keep defaults, got %d", c.ClientAddr)
	}

	if pw, err := c.ParsePassword(); err != nil || pw != 0xDEADBEEF {
		t.Errorf("incorrect password %#x, err=%v", pw, err)
	}
}

func TestUnmarshalEnvUnknown(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"DBNET_BOGUS=1"}, false)
	if err == nil || !strings.Contains(err.Error(), "DBNET_BOGUS") {
		t.Errorf("expected an unknown variable error, got %v", err)
	}
}

func TestParsePassword(t *testing.T) {
	for in, want := range map[string]uint32{
		"":           0,
		"0":          0,
		"1337":       1337,
		"0xDEADBEEF": 0xDEADBEEF,
		"4294967295": 0xFFFFFFFF,
	} {
		c := Config{Password: in}
		if got, err := c.ParsePassword(); err != nil || got != want {
			t.Errorf("ParsePassword(%q) = %#x, %v; expected %#x", in, got, err, want)
		}
	}
	for _, in := range []string{"x", "-1", "4294967296", "0x"} {
		c := Config{Password: in}
		if _, err := c.ParsePassword(); err == nil {
			t.Errorf("ParsePassword(%q) should fail", in)
		}
	}
}

func TestResolveAddr(t *testing.T) {
	for in, want := range map[string]string{
		"192.0.2.1:100":    "192.0.2.1:100",
		"192.0.2.1":        "192.0.2.1:59",
		"[2001:db8::1]:59": "[2001:db8::1]:59",
	} {
		a, err := ResolveAddr(in)
		if err != nil {
			t.Errorf("ResolveAddr(%q): %v", in, err)
			continue
		}
		if a.String() != want {
			t.Errorf("ResolveAddr(%q) = %s, expected %s", in, a, want)
		}
	}

	if _, err := ResolveAddr(""); err == nil {
		t.Error("empty address should fail")
	}
}

// Package plcscan assembles the dbnet client, logging, and catalog
// persistence into the scanner tool.
package plcscan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for the scanner. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=).
type Config struct {
	// The controller endpoint as ip:port or host:port. If the port is
	// omitted, the DB-Net/IP default (59) is used.
	Addr string `env:"DBNET_ADDR"`

	// The controller's 5-bit station address.
	StationAddr int `env:"DBNET_STATION_ADDR=4"`

	// Our 5-bit address on the bus.
	ClientAddr int `env:"DBNET_CLIENT_ADDR=31"`

	// The 32-bit shared secret, decimal or 0x-prefixed hex. If it begins
	// with @, it is treated as the name of a systemd credential to load.
	Password string `env:"DBNET_PASSWORD=0" sdcreds:"load,trimspace"`

	// Per-exchange deadline, shared by transparent key-sync retries.
	Timeout time.Duration `env:"DBNET_TIMEOUT=2s"`

	// The maximum number of descriptor slots to probe.
	ScanMaxVariables int `env:"DBNET_SCAN_MAX_VARIABLES=1500"`

	// The number of consecutive failed probes that terminates enumeration.
	ScanMaxFailures int `env:"DBNET_SCAN_MAX_FAILURES=10"`

	// The delay between descriptor probes.
	ScanPace time.Duration `env:"DBNET_SCAN_PACE=20ms"`

	// Whether to read the current value of each scalar variable after
	// enumeration and include it in the output.
	ReadValues bool `env:"DBNET_READ_VALUES"`

	// The sqlite3 database to store the enumerated catalog in, if provided.
	DB string `env:"DBNET_DB"`

	// The file to write the catalog to as JSON, if provided. "-" writes to
	// stdout.
	JSON string `env:"DBNET_JSON"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"DBNET_LOG_LEVEL=debug"`

	// Whether to log to stderr.
	LogStderr bool `env:"DBNET_LOG_STDERR=true"`

	// Whether to use pretty logs.
	LogStderrPretty bool `env:"DBNET_LOG_STDERR_PRETTY=true"`

	// The minimum log level for stderr.
	LogStderrLevel zerolog.Level `env:"DBNET_LOG_STDERR_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"DBNET_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"DBNET_LOG_FILE_LEVEL=info"`

	// The address to run an insecure debug HTTP server on (pprof, live
	// packet monitor, metrics), if provided.
	DebugAddr string `env:"DBNET_DEBUG_ADDR"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values will
// not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(environ []string, incremental bool) error {
	vals := map[string]string{}
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "DBNET_") {
			vals[k] = v
		}
	}

	known := map[string]bool{}
	rv := reflect.ValueOf(c).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		spec, ok := field.Tag.Lookup("env")
		if !ok {
			continue
		}

		// the tag is NAME=default, or NAME?=default if the var may be
		// explicitly set to an empty value
		name, def, _ := strings.Cut(spec, "=")
		allowEmpty := strings.HasSuffix(name, "?")
		name = strings.TrimSuffix(name, "?")
		known[name] = true

		raw, set := vals[name]
		if set {
			var err error
			if raw, err = sdcreds(raw, field.Tag.Get("sdcreds")); err != nil {
				return fmt.Errorf("env %s: expand systemd credentials: %w", name, err)
			}
		} else if incremental {
			continue
		}
		if !set || (raw == "" && !allowEmpty) {
			raw = def
		}

		if err := setConfigField(rv.Field(i), raw); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}

	for name, val := range vals {
		if !known[name] && val != "" {
			return fmt.Errorf("unknown environment variable %q", name)
		}
	}
	return nil
}

// setConfigField parses s into one Config field. An empty string zeroes
// fields with no textual zero form.
func setConfigField(v reflect.Value, s string) error {
	switch v.Interface().(type) {
	case string:
		v.SetString(s)
	case int:
		if s == "" {
			v.SetInt(0)
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %q as %T: %w", s, v.Interface(), err)
		}
		v.SetInt(n)
	case bool:
		if s == "" {
			v.SetBool(false)
			return nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("parse %q as %T: %w", s, v.Interface(), err)
		}
		v.SetBool(b)
	case time.Duration:
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse %q as %T: %w", s, v.Interface(), err)
		}
		v.Set(reflect.ValueOf(d))
	case zerolog.Level:
		l, err := zerolog.ParseLevel(s)
		if err != nil {
			return fmt.Errorf("parse %q as %T: %w", s, v.Interface(), err)
		}
		v.Set(reflect.ValueOf(l))
	default:
		return fmt.Errorf("unhandled type %T", v.Interface())
	}
	return nil
}

// ParsePassword parses the configured password as a 32-bit integer, decimal
// or 0x-prefixed hex.
func (c *Config) ParsePassword() (uint32, error) {
	s := c.Password
	if s == "" {
		return 0, nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") {
		s, base = strings.TrimPrefix(s, "0x"), 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("parse password: %w", err)
	}
	return uint32(v), nil
}

// sdcreds expands systemd credentials in v (prefixed by "@") according to
// tag: "load" reads the credential contents, and the "trimspace" arg trims
// leading/trailing whitespace from the loaded value.
func sdcreds(v string, tag string) (string, error) {
	if tag == "" || len(v) == 0 || v[0] != '@' {
		return v, nil
	}

	tag, args, _ := strings.Cut(tag, ",")
	if tag != "load" {
		return "", fmt.Errorf("invalid struct tag %q", tag)
	}
	var trimspace bool
	for _, arg := range strings.Split(args, ",") {
		switch arg {
		case "", "trimspace":
			trimspace = arg == "trimspace"
		default:
			return "", fmt.Errorf("invalid struct tag %q arg %q", tag, arg)
		}
	}

	crd := os.Getenv("CREDENTIALS_DIRECTORY")
	if crd == "" {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY env var not set", v)
	}
	if !filepath.IsAbs(crd) {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY=%q env var is not an absolute path", v, crd)
	}
	cred := v[1:]
	if strings.Contains(cred, "/") || strings.Contains(cred, string(filepath.Separator)) {
		return "", fmt.Errorf("expand %q: invalid credential name %q", v, cred)
	}

	buf, err := os.ReadFile(filepath.Join(crd, cred))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, fmt.Errorf("expand %q: no such credential %q", v, cred)
		}
		return v, fmt.Errorf("expand %q: read credential %q: %w", v, cred, err)
	}
	if trimspace {
		buf = bytes.TrimSpace(buf)
	}
	return string(buf), nil
}

package plcscan

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/dbnetip/dbnet/db/catalogdb"
	"github.com/dbnetip/dbnet/pkg/dbnet"
)

// Scanner enumerates a controller's variable catalog and writes it to the
// configured outputs.
type Scanner struct {
	Logger zerolog.Logger

	cfg       *Config
	addr      netip.AddrPort
	password  uint32
	reopenLog func()
}

// NewScanner configures a new scanner using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv). It
// will perform any additional config checks as required.
func NewScanner(c *Config) (*Scanner, error) {
	if c.Addr == "" {
		return nil, fmt.Errorf("no controller address provided")
	}
	addr, err := ResolveAddr(c.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve controller address: %w", err)
	}
	if c.StationAddr < 0 || c.StationAddr > 0x1F {
		return nil, fmt.Errorf("station address %d out of range", c.StationAddr)
	}
	if c.ClientAddr < 0 || c.ClientAddr > 0x1F {
		return nil, fmt.Errorf("client address %d out of range", c.ClientAddr)
	}
	password, err := c.ParsePassword()
	if err != nil {
		return nil, err
	}

	var s Scanner
	s.cfg = c
	s.addr = addr
	s.password = password

	if l, reopen, err := configureLogging(c); err == nil {
		s.Logger = l
		s.reopenLog = reopen
	} else {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	return &s, nil
}

// HandleSIGHUP reopens the log file, if one is configured.
func (s *Scanner) HandleSIGHUP() {
	if s.reopenLog != nil {
		s.reopenLog()
	}
}

// catalogEntry is the JSON output shape of one variable.
type catalogEntry struct {
	Name     string   `json:"name"`
	WID      uint16   `json:"wid"`
	Type     string   `json:"type"`
	Writable bool     `json:"writable"`
	Value    *float64 `json:"value,omitempty"`
}

// Run connects to the controller, enumerates its catalog, and writes the
// result to the configured database and/or JSON output.
func (s *Scanner) Run(ctx context.Context) error {
	c, err := dbnet.Dial(dbnet.Config{
		Addr:             s.addr,
		StationAddr:      uint8(s.cfg.StationAddr),
		ClientAddr:       uint8(s.cfg.ClientAddr),
		Password:         s.password,
		Timeout:          s.cfg.Timeout,
		ScanMaxVariables: s.cfg.ScanMaxVariables,
		ScanMaxFailures:  s.cfg.ScanMaxFailures,
		ScanPace:         s.cfg.ScanPace,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	c.Logger = s.Logger.With().Str("component", "dbnet").Logger()

	if s.cfg.DebugAddr != "" {
		dbg := http.NewServeMux()
		dbg.HandleFunc("/debug/pprof/", pprof.Index)
		dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
		dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
		dbg.Handle("/monitor", dbnet.DebugMonitorHandler(c))
		dbg.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			c.WritePrometheus(w)
			metrics.WritePrometheus(w, true)
		})
		go func() {
			s.Logger.Warn().Str("addr", s.cfg.DebugAddr).Msg("running insecure debug server")
			if err := http.ListenAndServe(s.cfg.DebugAddr, dbg); err != nil {
				s.Logger.Err(err).Msg("failed to start debug server")
			}
		}()
	}

	s.Logger.Info().Stringer("addr", s.addr).Msg("testing connection")
	if err := c.TestConnection(ctx); err != nil {
		return fmt.Errorf("test connection: %w", err)
	}

	vars, err := c.LoadVariables(ctx)
	if err != nil {
		return fmt.Errorf("load variables: %w", err)
	}

	entries := make([]catalogEntry, len(vars))
	for i, v := range vars {
		entries[i] = catalogEntry{
			Name:     v.Name,
			WID:      v.WID,
			Type:     v.Type.String(),
			Writable: v.Writable,
		}
		if s.cfg.ReadValues && v.Type.Scalar() {
			if val, err := c.ReadScalar(ctx, v); err == nil {
				x := val.Float64()
				entries[i].Value = &x
			} else {
				s.Logger.Warn().Err(err).Str("name", v.Name).Uint16("wid", v.WID).Msg("failed to read value")
			}
		}
	}

	if s.cfg.DB != "" {
		if err := s.store(ctx, vars); err != nil {
			return fmt.Errorf("store catalog: %w", err)
		}
	}
	if s.cfg.JSON != "" {
		if err := s.writeJSON(entries); err != nil {
			return fmt.Errorf("write catalog: %w", err)
		}
	}

	s.Logger.Info().Int("count", len(vars)).Msg("scan complete")
	return nil
}

func (s *Scanner) store(ctx context.Context, vars []dbnet.Variable) error {
	db, err := catalogdb.Open(s.cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cur, tgt, err := db.Version()
	if err != nil {
		return err
	}
	if cur != tgt {
		s.Logger.Info().Uint64("from", cur).Uint64("to", tgt).Msg("migrating catalog database")
		if err := db.MigrateUp(ctx, tgt); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	if err := db.SetCatalog(s.addr.String(), time.Now(), vars); err != nil {
		return err
	}
	s.Logger.Info().Str("db", s.cfg.DB).Int("count", len(vars)).Msg("stored catalog")
	return nil
}

func (s *Scanner) writeJSON(entries []catalogEntry) error {
	f := os.Stdout
	if s.cfg.JSON != "-" {
		var err error
		if f, err = os.Create(s.cfg.JSON); err != nil {
			return err
		}
		defer f.Close()
	}
	e := json.NewEncoder(f)
	e.SetIndent("", "  ")
	return e.Encode(entries)
}

// ResolveAddr parses s as an ip:port, host:port, ip, or host, resolving
// hostnames and applying the DB-Net/IP default port if none is given.
func ResolveAddr(s string) (netip.AddrPort, error) {
	if a, err := netip.ParseAddrPort(s); err == nil {
		return a, nil
	}
	host, port := s, strconv.Itoa(dbnet.DefaultPort)
	if h, p, err := net.SplitHostPort(s); err == nil {
		host, port = h, p
	}
	ua, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return netip.AddrPort{}, err
	}
	a := ua.AddrPort()
	if !a.Addr().IsValid() {
		return netip.AddrPort{}, fmt.Errorf("no host in address %q", s)
	}
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port()), nil
}

// Command dbnet-reg reads or writes a single PLC register.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/dbnetip/dbnet/db/catalogdb"
	"github.com/dbnetip/dbnet/pkg/dbnet"
	"github.com/dbnetip/dbnet/pkg/plcscan"
)

var opt struct {
	Station  int
	Client   int
	Password uint32
	Timeout  time.Duration
	Type     string
	DB       string
	Force    bool
	Help     bool
}

func init() {
	pflag.IntVarP(&opt.Station, "station", "S", dbnet.DefaultStationAddr, "Controller station address")
	pflag.IntVarP(&opt.Client, "client", "C", dbnet.DefaultClientAddr, "Our client address")
	pflag.Uint32VarP(&opt.Password, "password", "p", 0, "Shared secret")
	pflag.DurationVarP(&opt.Timeout, "timeout", "t", dbnet.DefaultTimeout, "Amount of time to wait for a response")
	pflag.StringVarP(&opt.Type, "type", "T", "", "Variable type for numeric WIDs (int, long, float)")
	pflag.StringVarP(&opt.DB, "db", "d", "", "Catalog database to resolve variable names with")
	pflag.BoolVarP(&opt.Force, "force", "f", false, "Write even if the catalog marks the variable read-only")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() < 3 || opt.Help {
		fmt.Printf("usage: %s [options] addr get wid|name\n       %s [options] addr set wid|name value\n\noptions:\n%s", os.Args[0], os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	addr, err := plcscan.ResolveAddr(pflag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid controller address: %v\n", err)
		os.Exit(2)
	}

	v, err := resolve(addr.String(), pflag.Arg(2))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(2)
	}
	if opt.Force {
		v.Writable = true
	}

	c, err := dbnet.Dial(dbnet.Config{
		Addr:        addr,
		StationAddr: uint8(opt.Station),
		ClientAddr:  uint8(opt.Client),
		Password:    opt.Password,
		Timeout:     opt.Timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opt.Timeout)
	defer cancel()

	switch verb, nargs := pflag.Arg(1), pflag.NArg(); {
	case verb == "get" && nargs == 3:
		val, err := c.ReadScalar(ctx, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read %s: %v\n", v, err)
			os.Exit(1)
		}
		fmt.Println(val)
	case verb == "set" && nargs == 4:
		val, err := parseValue(v.Type, pflag.Arg(3))
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(2)
		}
		if err := c.WriteScalar(ctx, v, val); err != nil {
			fmt.Fprintf(os.Stderr, "error: write %s: %v\n", v, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "fatal: invalid arguments\n")
		os.Exit(2)
	}
}

// resolve turns a WID or catalog name into a Variable. Numeric WIDs take
// their type from --type; names are looked up in the catalog database.
func resolve(endpoint, arg string) (dbnet.Variable, error) {
	if wid, err := strconv.ParseUint(arg, 10, 16); err == nil {
		t, err := parseType(opt.Type)
		if err != nil {
			return dbnet.Variable{}, err
		}
		return dbnet.Variable{
			Name:     arg,
			WID:      uint16(wid),
			Type:     t,
			Writable: true,
		}, nil
	}

	if opt.DB == "" {
		return dbnet.Variable{}, fmt.Errorf("resolving variable names requires --db")
	}
	db, err := catalogdb.Open(opt.DB)
	if err != nil {
		return dbnet.Variable{}, fmt.Errorf("open catalog database: %w", err)
	}
	defer db.Close()

	vars, _, exists, err := db.GetCatalog(endpoint)
	if err != nil {
		return dbnet.Variable{}, fmt.Errorf("load catalog: %w", err)
	}
	if !exists {
		return dbnet.Variable{}, fmt.Errorf("no catalog stored for %s (run dbnet-scan first)", endpoint)
	}
	for _, v := range vars {
		if v.Name == arg {
			return v, nil
		}
	}
	return dbnet.Variable{}, fmt.Errorf("no variable named %q in the catalog for %s", arg, endpoint)
}

func parseType(s string) (dbnet.VarType, error) {
	switch strings.ToLower(s) {
	case "int", "int16":
		return dbnet.Int16, nil
	case "long", "int32":
		return dbnet.Int32, nil
	case "float", "float32":
		return dbnet.Float32, nil
	case "":
		return 0, fmt.Errorf("numeric WIDs require --type")
	default:
		return 0, fmt.Errorf("unknown variable type %q", s)
	}
}

func parseValue(t dbnet.VarType, s string) (dbnet.Value, error) {
	switch t {
	case dbnet.Int16:
		v, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return dbnet.Value{}, fmt.Errorf("parse value: %w", err)
		}
		return dbnet.Int16Value(int16(v)), nil
	case dbnet.Int32:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return dbnet.Value{}, fmt.Errorf("parse value: %w", err)
		}
		return dbnet.Int32Value(int32(v)), nil
	case dbnet.Float32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return dbnet.Value{}, fmt.Errorf("parse value: %w", err)
		}
		return dbnet.Float32Value(float32(v)), nil
	default:
		return dbnet.Value{}, fmt.Errorf("cannot access %s variables", t)
	}
}

// Command dbnet-probe checks whether AMiT PLCs answer DB-Net/IP requests.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/dbnetip/dbnet/pkg/dbnet"
	"github.com/dbnetip/dbnet/pkg/plcscan"
)

var opt struct {
	Station     int
	Client      int
	Password    uint32
	Timeout     time.Duration
	Connections int
	Silent      bool
	Help        bool
}

func init() {
	pflag.IntVarP(&opt.Station, "station", "S", dbnet.DefaultStationAddr, "Controller station address")
	pflag.IntVarP(&opt.Client, "client", "C", dbnet.DefaultClientAddr, "Our client address")
	pflag.Uint32VarP(&opt.Password, "password", "p", 0, "Shared secret")
	pflag.DurationVarP(&opt.Timeout, "timeout", "t", dbnet.DefaultTimeout, "Amount of time to wait for a response")
	pflag.IntVarP(&opt.Connections, "connections", "c", 1, "Number of controllers to probe concurrently")
	pflag.BoolVarP(&opt.Silent, "silent", "s", false, "Don't show the result")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() < 1 || opt.Help {
		fmt.Printf("usage: %s [options] addr...\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	addr, err := parseAddrPorts(pflag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid controller address: %v\n", err)
		os.Exit(2)
	}

	queue := make(chan int)
	go func() {
		defer close(queue)
		for i := range addr {
			queue <- i
		}
	}()

	type Result struct {
		Idx int
		Err error
	}
	res := make(chan Result)

	var wg sync.WaitGroup
	for n := 0; n < opt.Connections; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				res <- Result{i, probe(addr[i])}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(res)
	}()

	var fail bool
	for r := range res {
		if !opt.Silent {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "%s: error: %v\n", addr[r.Idx], r.Err)
			} else {
				fmt.Fprintf(os.Stderr, "%s: ok\n", addr[r.Idx])
			}
		}
		if r.Err != nil {
			fail = true
		}
	}
	if fail {
		os.Exit(1)
	}
}

func probe(addr netip.AddrPort) error {
	c, err := dbnet.Dial(dbnet.Config{
		Addr:        addr,
		StationAddr: uint8(opt.Station),
		ClientAddr:  uint8(opt.Client),
		Password:    opt.Password,
		Timeout:     opt.Timeout,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opt.Timeout)
	defer cancel()

	return c.TestConnection(ctx)
}

func parseAddrPorts(a []string) ([]netip.AddrPort, error) {
	r := make([]netip.AddrPort, len(a))
	for i, x := range a {
		if v, err := plcscan.ResolveAddr(x); err == nil {
			r[i] = v
		} else {
			return nil, err
		}
	}
	return r, nil
}

//
// Copyright 2024 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// rdtctl-probe is a thin smoke-test CLI over the rdtctl library: enough to
// discover capability, set and read back a CAT/MBA class, and watch a
// monitoring group for a few ticks, without needing a caller to write Go.
// It is not a management tool -- there is no persistent config format, no
// daemon mode; every invocation does one thing and exits.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nestybox/rdtctl/profiles"
	"github.com/nestybox/rdtctl/rdtalloc"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtmon"
	"github.com/nestybox/rdtctl/rdtstate"
	"github.com/nestybox/rdtctl/rdtutil"
)

var verbosity int

func main() {
	root := &cobra.Command{
		Use:   "rdtctl-probe",
		Short: "Smoke-test CLI for the rdtctl RDT control library",
	}
	root.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "log verbosity: 0=silent 1=info 2=verbose 3=superverbose")

	root.AddCommand(capCmd(), catCmd(), mbaCmd(), monCmd(), profileCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initOnce() (func(), error) {
	if err := rdtstate.Init(rdtstate.Config{Verbosity: rdtutil.Verbosity(verbosity), LogWriter: os.Stderr}); err != nil {
		return nil, err
	}
	return func() { _ = rdtstate.Fini() }, nil
}

func capCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cap",
		Short: "probe and print platform RDT capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			fini, err := initOnce()
			if err != nil {
				return err
			}
			defer fini()

			s, err := rdtstate.Get()
			if err != nil {
				return err
			}
			fmt.Printf("interface: %s\n", s.Interface)
			fmt.Printf("cores: %d\n", s.Cpu.NumCores())
			if s.Cap.L3CA != nil {
				fmt.Printf("L3 CAT: classes=%d ways=%d cdp_supported=%v cdp_on=%v\n",
					s.Cap.L3CA.NumClasses, s.Cap.L3CA.NumWays, s.Cap.L3CA.CDPSupported, s.Cap.L3CA.CDPOn)
			}
			if s.Cap.L2CA != nil {
				fmt.Printf("L2 CAT: classes=%d ways=%d cdp_supported=%v cdp_on=%v\n",
					s.Cap.L2CA.NumClasses, s.Cap.L2CA.NumWays, s.Cap.L2CA.CDPSupported, s.Cap.L2CA.CDPOn)
			}
			if s.Cap.MBA != nil {
				fmt.Printf("MBA: classes=%d linear=%v step=%d max=%d ctrl_supported=%v ctrl_on=%v\n",
					s.Cap.MBA.NumClasses, s.Cap.MBA.IsLinear, s.Cap.MBA.ThrottleStep, s.Cap.MBA.ThrottleMax,
					s.Cap.MBA.CtrlSupported, s.Cap.MBA.CtrlOn)
			}
			if s.Cap.Mon != nil {
				fmt.Printf("monitoring events: %s\n", s.Cap.Mon.Events())
			}
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	var cluster, class uint32
	var ways uint64
	var level string
	var set bool

	cmd := &cobra.Command{
		Use:   "cat",
		Short: "set or read an L2/L3 CAT class's ways mask",
		RunE: func(cmd *cobra.Command, args []string) error {
			fini, err := initOnce()
			if err != nil {
				return err
			}
			defer fini()

			setFn, getFn := rdtalloc.L3caSet, rdtalloc.L3caGet
			if level == "l2" {
				setFn, getFn = rdtalloc.L2caSet, rdtalloc.L2caGet
			}

			if set {
				if err := setFn(cluster, []rdtalloc.ClassEntry{{ClassID: class, Mask: rdtalloc.ClassMask{Ways: ways}}}); err != nil {
					return err
				}
			}

			entries, err := getFn(cluster)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("class=%d ways=0x%x\n", e.ClassID, e.Mask.Ways)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "l3", "cache level: l3 or l2")
	cmd.Flags().Uint32Var(&cluster, "cluster", 0, "CAT cluster id")
	cmd.Flags().Uint32Var(&class, "class", 0, "class id to write (with --set)")
	cmd.Flags().Uint64Var(&ways, "ways", 0, "ways bitmask to write (with --set)")
	cmd.Flags().BoolVar(&set, "set", false, "write --class/--ways before reading back")
	return cmd
}

func mbaCmd() *cobra.Command {
	var cluster, class uint32
	var pct uint64
	var bps uint64
	var set bool

	cmd := &cobra.Command{
		Use:   "mba",
		Short: "set or read an MBA class",
		RunE: func(cmd *cobra.Command, args []string) error {
			fini, err := initOnce()
			if err != nil {
				return err
			}
			defer fini()

			if set {
				c := rdtalloc.MbaClass{ClassID: class}
				if bps > 0 {
					c.Ctrl, c.Value = true, bps
				} else {
					c.Value = pct
				}
				if _, err := rdtalloc.MbaSet(cluster, []rdtalloc.MbaClass{c}); err != nil {
					return err
				}
			}

			classes, err := rdtalloc.MbaGet(cluster)
			if err != nil {
				return err
			}
			for _, c := range classes {
				fmt.Printf("class=%d pct=%d\n", c.ClassID, c.Value)
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&cluster, "cluster", 0, "MBA cluster id")
	cmd.Flags().Uint32Var(&class, "class", 0, "class id to write (with --set)")
	cmd.Flags().Uint64Var(&pct, "pct", 100, "hardware percentage to write (with --set, ctrl=0)")
	cmd.Flags().Uint64Var(&bps, "bps", 0, "bytes/second setpoint to write (with --set, ctrl=1; overrides --pct)")
	cmd.Flags().BoolVar(&set, "set", false, "write before reading back")
	return cmd
}

func monCmd() *cobra.Command {
	var coresArg string
	var ticks int
	var period time.Duration

	cmd := &cobra.Command{
		Use:   "mon",
		Short: "watch local/total memory bandwidth on a set of cores for a few ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			fini, err := initOnce()
			if err != nil {
				return err
			}
			defer fini()

			coreList, err := rdtutil.ParseList(coresArg, 1)
			if err != nil {
				return err
			}
			cores := make([]uint32, len(coreList))
			for i, c := range coreList {
				cores[i] = uint32(c)
			}

			events := rdtcap.EventLocalMBW | rdtcap.EventTotalMBW
			g, err := rdtmon.StartCores(cores, events, nil)
			if err != nil {
				return err
			}
			defer rdtmon.Stop(g)

			for i := 0; i < ticks; i++ {
				time.Sleep(period)
				if errs := rdtmon.Poll([]*rdtmon.Group{g}); errs[0] != nil {
					fmt.Fprintln(os.Stderr, "poll:", errs[0])
					continue
				}
				v := g.Values()
				fmt.Printf("tick %d: local=%d B/s total=%d B/s\n",
					i, v.LocalMBWDelta*uint64(time.Second/period), v.TotalMBWDelta*uint64(time.Second/period))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&coresArg, "cores", "0", "comma/range list of cores to monitor, e.g. 0,2-3")
	cmd.Flags().IntVar(&ticks, "ticks", 5, "number of poll iterations")
	cmd.Flags().DurationVar(&period, "period", time.Second, "delay between polls")
	return cmd
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile [name]",
		Short: "list named L3 CAT mask presets, or resolve one against the live platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, n := range profiles.Names() {
					fmt.Println(n)
				}
				return nil
			}

			fini, err := initOnce()
			if err != nil {
				return err
			}
			defer fini()

			s, err := rdtstate.Get()
			if err != nil {
				return err
			}
			if s.Cap.L3CA == nil {
				return fmt.Errorf("platform has no L3 CAT capability")
			}
			m, ok := profiles.Lookup(args[0], s.Cap.L3CA.NumWays)
			if !ok {
				return fmt.Errorf("unknown profile %q", args[0])
			}
			fmt.Printf("ways=0x%x (%s)\n", m.Ways, strconv.FormatUint(m.Ways, 2))
			return nil
		},
	}
	return cmd
}

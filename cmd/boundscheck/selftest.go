package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kolkov/boundscheck/internal/bounds/addr"
	"github.com/kolkov/boundscheck/internal/bounds/config"
	"github.com/kolkov/boundscheck/internal/bounds/logging"
	"github.com/kolkov/boundscheck/internal/bounds/report"
	"github.com/kolkov/boundscheck/internal/bounds/runtime"
)

var (
	selftestDump    bool
	selftestVerbose bool
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run the boundary scenarios against a fresh runtime",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		defer log.Sync()

		failed := runSelftest(cmd.OutOrStdout(), cfg, log, selftestVerbose, selftestDump)
		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
		}
		return nil
	},
}

func init() {
	selftestCmd.Flags().BoolVar(&selftestDump, "dump", false, "print the region table after each scenario")
	selftestCmd.Flags().BoolVarP(&selftestVerbose, "verbose", "v", false, "print the reports of expected violations")
	rootCmd.AddCommand(selftestCmd)
}

// scenario exercises one property of the runtime. Violations raised while
// it runs are collected in got.
type scenario struct {
	name string
	run  func(s *session) error
}

// session is the state handed to a scenario.
type session struct {
	rt   *runtime.Runtime
	cfg  config.Config
	got  []*report.Violation
	data addr.Address
}

// expect fails unless the last collected violation is of kind k.
func (s *session) expect(k report.Kind) error {
	if len(s.got) == 0 {
		return fmt.Errorf("no violation reported, want %v", k)
	}
	if v := s.got[len(s.got)-1]; v.Kind != k {
		return fmt.Errorf("violation %v, want %v", v.Kind, k)
	}
	return nil
}

var scenarios = []scenario{
	{"pointer arithmetic stays within [p, p+size]", func(s *session) error {
		const size = 13
		p := s.data
		if err := s.rt.RegisterRegion(p, size); err != nil {
			return err
		}
		for k := int64(0); k <= size; k++ {
			if got := s.rt.CheckAdd(p, k); got != p+addr.Address(k) {
				return fmt.Errorf("CheckAdd(p, %d) = %v, want %v", k, got, p+addr.Address(k))
			}
		}
		for _, k := range []int64{-1, size + 1, size + 100} {
			if got := s.rt.CheckAdd(p, k); got != addr.Invalid {
				return fmt.Errorf("CheckAdd(p, %d) = %v, want invalid", k, got)
			}
		}
		return nil
	}},
	{"dereference needs k+n <= size", func(s *session) error {
		const size = 24
		p := s.data
		if err := s.rt.RegisterRegion(p, size); err != nil {
			return err
		}
		for _, n := range []uint64{1, 2, 4, 8, 12, 16} {
			for k := int64(-1); k <= size+1; k++ {
				ok := k >= 0 && uint64(k)+n <= size
				got := s.rt.CheckIndirect(p, k, n)
				if ok != (got != addr.Invalid) {
					return fmt.Errorf("CheckIndirect(p, %d, %d) = %v, want valid=%t", k, n, got, ok)
				}
			}
		}
		return nil
	}},
	{"deregister rejects interior and unknown pointers", func(s *session) error {
		p := s.data
		if err := s.rt.RegisterRegion(p, 32); err != nil {
			return err
		}
		for _, bad := range []addr.Address{p + 1, p + 32, p + 0x1000} {
			if err := s.rt.DeregisterRegion(bad); err == nil {
				return fmt.Errorf("DeregisterRegion(%v) succeeded", bad)
			}
		}
		if got := s.rt.CheckIndirect1(p, 31); got != p+31 {
			return errors.New("failed deregistration modified the region")
		}
		return nil
	}},
	{"deregistered range no longer resolves", func(s *session) error {
		p := s.data
		if err := s.rt.RegisterRegion(p, 100); err != nil {
			return err
		}
		if err := s.rt.DeregisterRegion(p); err != nil {
			return err
		}
		for k := int64(0); k < 100; k += 7 {
			if got := s.rt.CheckIndirect1(p, k); got != addr.Invalid {
				return fmt.Errorf("CheckIndirect1(p, %d) = %v after deregistration", k, got)
			}
		}
		return nil
	}},
	{"consecutive allocations never overlap", func(s *session) error {
		var (
			prev     addr.Address
			prevSize uint64
		)
		for i := 0; i < 64; i++ {
			n := uint64(i % 33)
			p, err := s.rt.Malloc(n)
			if err != nil {
				return err
			}
			if i > 0 && addr.Overlaps(prev, prevSize+1, p, n+1) {
				return fmt.Errorf("block %v+%d overlaps previous %v+%d", p, n, prev, prevSize)
			}
			prev, prevSize = p, n
		}
		return nil
	}},
	{"memcpy rejects overlap, memmove accepts it", func(s *session) error {
		p, err := s.rt.Malloc(32)
		if err != nil {
			return err
		}
		if _, err := s.rt.Memcpy(p+4, p, 16); err == nil {
			return errors.New("overlapping Memcpy succeeded")
		}
		if err := s.expect(report.Overlap); err != nil {
			return err
		}
		_, err = s.rt.Memmove(p+4, p, 16)
		return err
	}},
	{"double free is an invalid free", func(s *session) error {
		p, err := s.rt.Malloc(10)
		if err != nil {
			return err
		}
		if err := s.rt.Free(p); err != nil {
			return err
		}
		if err := s.rt.Free(p); err == nil {
			return errors.New("second Free succeeded")
		}
		return s.expect(report.InvalidFree)
	}},
	{"one past the end may be computed, not dereferenced", func(s *session) error {
		p, err := s.rt.Malloc(10)
		if err != nil {
			return err
		}
		if got := s.rt.CheckAdd(p, 10); got != p+10 {
			return fmt.Errorf("CheckAdd(p, 10) = %v, want %v", got, p+10)
		}
		if got := s.rt.CheckIndirect1(p, 10); got != addr.Invalid {
			return fmt.Errorf("CheckIndirect1(p, 10) = %v, want invalid", got)
		}
		if got := s.rt.CheckIndirect1(p, 9); got != p+9 {
			return fmt.Errorf("CheckIndirect1(p, 9) = %v, want %v", got, p+9)
		}
		return nil
	}},
}

// runSelftest runs every scenario on its own runtime and returns the
// number of failures.
func runSelftest(w io.Writer, cfg config.Config, log *zap.Logger, verbose, dump bool) int {
	pass := color.New(color.FgGreen, color.Bold).SprintFunc()
	fail := color.New(color.FgRed, color.Bold).SprintFunc()

	failed := 0
	for _, sc := range scenarios {
		s := &session{cfg: cfg, data: addr.Address(cfg.DataBase)}
		rt, err := runtime.New(cfg,
			runtime.WithLogger(log.With(zap.String("scenario", sc.name))),
			runtime.WithHandler(func(v *report.Violation) { s.got = append(s.got, v) }))
		if err == nil {
			s.rt = rt
			err = sc.run(s)
		}

		if err != nil {
			failed++
			fmt.Fprintf(w, "%s %s: %v\n", fail("FAIL"), sc.name, err)
		} else {
			fmt.Fprintf(w, "%s %s\n", pass("PASS"), sc.name)
		}
		if verbose {
			for _, v := range s.got {
				v.Format(w)
			}
		}
		if rt != nil {
			if dump {
				rt.Dump(w)
			}
			_ = rt.Fini()
		}
	}
	return failed
}

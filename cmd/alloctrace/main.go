// Command alloctrace installs the allocator/loader interceptor tracer into
// its own process, drives a built-in allocation workload through cgo, and
// prints or renders the resulting trace.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/alloctrace/internal/dash"
	"github.com/zboralski/alloctrace/internal/hooks"
	"github.com/zboralski/alloctrace/internal/interceptors"
	glog "github.com/zboralski/alloctrace/internal/log"
	"github.com/zboralski/alloctrace/internal/patcher"
	"github.com/zboralski/alloctrace/internal/policy"
	"github.com/zboralski/alloctrace/internal/tracker"
	"github.com/zboralski/alloctrace/internal/ui/colorize"
)

var (
	verbose      bool
	policyScript string
)

func main() {
	root := &cobra.Command{
		Use:   "alloctrace",
		Short: "Trace libc allocator and loader calls via GOT/PLT interception",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&policyScript, "policy-script", "",
		"path to a YAML install-policy config (see internal/policy)")

	root.AddCommand(infoCmd(), runCmd(), dashboardCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// install builds the Hook Registry, resolves it against the current
// process, constructs a Patcher, and wires interceptors to rec. It does not
// patch anything yet: callers decide when OverwriteSymbols runs.
func install(rec tracker.Tracker) (*hooks.Registry, *patcher.Patcher, error) {
	registry := hooks.New(interceptors.Defs())
	registry.Resolve(patcher.AsHookObjects(patcher.LiveObjects{}))
	if err := registry.EnsureAllValid(); err != nil {
		return nil, nil, err
	}

	selfName := patcher.FindSelfName(patcher.LiveObjects{})
	p := patcher.New(registry, patcher.LiveObjects{}, selfName)

	if policyScript != "" {
		data, err := os.ReadFile(policyScript)
		if err != nil {
			return nil, nil, fmt.Errorf("read policy script: %w", err)
		}
		cfg, err := policy.LoadConfig(data)
		if err != nil {
			return nil, nil, err
		}
		source, err := cfg.Source()
		if err != nil {
			return nil, nil, err
		}
		scripted, err := policy.NewScripted(source)
		if err != nil {
			return nil, nil, err
		}
		p.SetPolicy(scripted)
	}

	interceptors.Install(registry, rec, p.OverwriteSymbols)
	return registry, p, nil
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Resolve the Hook Registry against the current process and print it, without patching",
		RunE: func(cmd *cobra.Command, args []string) error {
			glog.Init(verbose)

			registry := hooks.New(interceptors.Defs())
			registry.Resolve(patcher.AsHookObjects(patcher.LiveObjects{}))

			for _, e := range registry.Entries() {
				fmt.Printf("%-20s resolved=%-5v original=0x%x\n", e.Name, e.Initialized(), e.Original())
			}
			if err := registry.EnsureAllValid(); err != nil {
				return err
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Install the tracer, run the built-in allocation workload, and print the resulting trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			glog.Init(verbose)

			rec := tracker.NewRecorder()
			_, p, err := install(rec)
			if err != nil {
				return err
			}
			p.OverwriteSymbols()
			defer p.RestoreSymbols()

			runWorkload()

			for _, ev := range rec.Events() {
				fmt.Println(colorize.Event(ev))
			}
			if glog.L != nil {
				glog.L.Info("run complete",
					zap.Int("events", len(rec.Events())),
					zap.Int("live", len(rec.Live())))
			}
			return nil
		},
	}
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Install the tracer, run the built-in allocation workload, and render a live TUI",
		RunE: func(cmd *cobra.Command, args []string) error {
			glog.Init(verbose)

			rec := tracker.NewRecorder()
			_, p, err := install(rec)
			if err != nil {
				return err
			}
			p.OverwriteSymbols()
			defer p.RestoreSymbols()

			go runWorkload()

			return dash.Run(rec)
		},
	}
}

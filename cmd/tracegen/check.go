package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lkendrickd/trace-generator/pkg/config"
	"github.com/lkendrickd/trace-generator/pkg/synth"
	"github.com/spf13/cobra"
)

// scenarioPath is the optional positional path, falling back to SCENARIOS_PATH.
func scenarioPath(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return config.New().GetString(config.KeyScenariosPath)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [scenarios-dir | file]",
		Short: "Parse and validate scenario definitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := scenarioPath(args)
			cfg, scenarios, err := loadScenarios(path)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			t := table.NewWriter()
			t.SetOutputMirror(w)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Scenario", "Weight", "Spans", "Depth", "Services", "Exports"})
			for _, sc := range scenarios {
				depth, _ := synth.MaxDepth(sc)
				exports := ""
				if sc.Exports() {
					exports = "yes"
				}
				t.AppendRow(table.Row{sc.Name, strconv.FormatFloat(sc.Weight, 'g', -1, 64), len(sc.Spans), depth, strings.Join(scenarioServices(sc), ", "), exports})
			}
			t.Render()

			_, _ = fmt.Fprintf(w, "\nConfiguration valid: %d %s, %d %s\n\n"+
				"To generate traces:\n"+
				"  tracegen run --stdout --scenarios %s\n",
				len(cfg.Services), plural(len(cfg.Services), "service", "services"),
				len(scenarios), plural(len(scenarios), "scenario", "scenarios"), path)
			return nil
		},
	}
}

// scenarioServices lists the distinct services a scenario touches, in span order.
func scenarioServices(sc *synth.Scenario) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range sc.Spans {
		if svc := sc.Spans[i].Service; !seen[svc] {
			seen[svc] = true
			out = append(out, svc)
		}
	}
	return out
}

func checkCmd() *cobra.Command {
	var (
		maxDepth  int
		maxFanOut int
		maxSpans  int
		samples   int
		seed      uint64
	)

	cmd := &cobra.Command{
		Use:   "check [scenarios-dir | file]",
		Short: "Run structural checks on scenario span trees",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxDepth < 0 || maxFanOut < 0 || maxSpans < 0 || samples < 0 {
				return errors.New("limit and sample flags must be non-negative")
			}
			_, scenarios, err := loadScenarios(scenarioPath(args))
			if err != nil {
				return err
			}

			results, err := synth.Check(scenarios, synth.CheckOptions{
				MaxDepth:  maxDepth,
				MaxFanOut: maxFanOut,
				MaxSpans:  maxSpans,
				Samples:   samples,
				Seed:      seed,
			})
			if err != nil {
				return err
			}

			anyFailed := false
			w := cmd.OutOrStdout()
			for _, r := range results {
				status := "PASS"
				if !r.Pass {
					status = "FAIL"
					anyFailed = true
				}

				line := fmt.Sprintf("%s  %s: %d", status, r.Name, r.Actual)
				if r.Sampled != nil {
					line += fmt.Sprintf(" static worst-case, %d observed/%d samples", *r.Sampled, r.SamplesRun)
				}
				_, _ = fmt.Fprintf(w, "%s (limit: %d)\n", line, r.Limit)
				if r.Scenario != "" {
					_, _ = fmt.Fprintf(w, "      scenario: %s\n", r.Scenario)
				}
				switch {
				case r.Name == "max-depth" && len(r.Path) > 0:
					_, _ = fmt.Fprintf(w, "      path: %s\n", strings.Join(r.Path, " → "))
				case r.Name == "max-fan-out" && len(r.Path) > 0 && r.Path[0] != "":
					_, _ = fmt.Fprintf(w, "      worst: %s\n", r.Path[0])
				}
			}

			if anyFailed {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDepth, "max-depth", 10, "fail if worst-case trace depth exceeds this")
	cmd.Flags().IntVar(&maxFanOut, "max-fan-out", 100, "fail if worst-case children per span exceeds this")
	cmd.Flags().IntVar(&maxSpans, "max-spans", 1000, "fail if worst-case spans per trace exceeds this")
	cmd.Flags().IntVar(&samples, "samples", 100, "sampled traces for empirical measurement (0 = static only)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed for reproducibility (0 = random)")

	return cmd
}

package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"diffusiond/internal/daemon"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
	"diffusiond/internal/window"
)

func newPlanCmd(o *options) *cobra.Command {
	var (
		model   string
		pc      window.PlanConfig
		profile string
	)
	cmd := &cobra.Command{
		Use:     "plan",
		Short:   "Print the window plan and residency footprint for a request",
		Example: "  diffusiond plan --frames 40 --window 24 --overlap 8\n  diffusiond plan -c diffusiond.yaml --model latentmix-small --frames 120",
		RunE: func(cmd *cobra.Command, args []string) error {
			var d registry.Descriptor
			var found bool
			if model != "" {
				descs, err := daemon.Descriptors(o.cfg)
				if err != nil {
					return err
				}
				for _, x := range descs {
					if x.ID == model {
						d, found = x, true
					}
				}
				if !found {
					return fmt.Errorf("unknown model %q", model)
				}
				if pc.WindowFrames == 0 {
					pc.WindowFrames = d.Defaults.WindowFrames
				}
				if pc.OverlapFrames == 0 {
					pc.OverlapFrames = d.Defaults.OverlapFrames
				}
			}
			if pc.WindowFrames == 0 || pc.WindowFrames >= pc.TotalFrames {
				pc.WindowFrames, pc.OverlapFrames = pc.TotalFrames, 0
			}
			ws, err := window.Plan(pc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"WINDOW", "START", "END", "FRAMES", "CONTEXT", "SEED"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			for _, w := range ws {
				table.Append([]string{
					strconv.Itoa(w.Index), strconv.Itoa(w.Start), strconv.Itoa(w.End),
					strconv.Itoa(w.Len()), strconv.Itoa(w.Context), strconv.FormatUint(w.Seed, 10),
				})
			}
			table.Render()

			if !found {
				return nil
			}
			p, ok := o.cfg.Profile(firstNonEmpty(profile, o.cfg.DefaultProfile))
			if !ok {
				return fmt.Errorf("unknown profile %q", profile)
			}
			return footprintTable(cmd, d, p)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model id from the config; fills window defaults and prints footprints")
	cmd.Flags().StringVar(&profile, "profile", "", "Profile for the footprint table (defaults to the config default)")
	cmd.Flags().IntVar(&pc.TotalFrames, "frames", 0, "Total output frames")
	cmd.Flags().IntVar(&pc.WindowFrames, "window", 0, "Frames per window (0 = model default or single window)")
	cmd.Flags().IntVar(&pc.OverlapFrames, "overlap", 0, "Frames shared by consecutive windows")
	cmd.Flags().Uint64Var(&pc.Seed, "seed", 0, "Base seed")
	return cmd
}

func footprintTable(cmd *cobra.Command, d registry.Descriptor, p manager.Profile) error {
	prec := p.ComputePrecision()
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"SUBMODULE", "PRECISION", "MB", "PINNED"})
	table.SetBorder(false)
	total := 0
	for _, s := range d.Submodules {
		mb, _ := d.FootprintMB(s.Kind, prec)
		total += mb
		table.Append([]string{string(s.Kind), string(prec), strconv.Itoa(mb), strconv.FormatBool(p.IsPinned(s.Kind))})
	}
	table.SetFooter([]string{"", "", strconv.Itoa(total), ""})
	table.Render()
	fit := "fits"
	if total > p.EffectiveBudgetMB() {
		fit = "exceeds"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "profile %s: %d MB of %d MB effective budget (%s)\n", p.Name, total, p.EffectiveBudgetMB(), fit)
	return nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

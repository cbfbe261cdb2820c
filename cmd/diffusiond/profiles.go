package main

import (
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"diffusiond/internal/registry"
)

func newProfilesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List residency profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "BUDGET MB", "MARGIN MB", "PRECISION", "PINNED", "EVICT FIRST", "DEFAULT"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			for _, p := range o.cfg.Profiles {
				def := ""
				if p.Name == o.cfg.DefaultProfile {
					def = "*"
				}
				table.Append([]string{
					p.Name,
					strconv.Itoa(p.BudgetMB),
					strconv.Itoa(p.MarginMB),
					string(p.ComputePrecision()),
					joinKinds(p.Pinned),
					joinKinds(p.EvictionOrder),
					def,
				})
			}
			table.Render()
			return nil
		},
	}
}

func joinKinds(ks []registry.SubmoduleKind) string {
	parts := make([]string, len(ks))
	for i, k := range ks {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

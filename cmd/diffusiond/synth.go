package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"diffusiond/internal/backend/latentmix"
	"diffusiond/internal/daemon"
	"diffusiond/internal/weights"
)

func newSynthCmd(o *options) *cobra.Command {
	var (
		out   string
		dtype string
	)
	cmd := &cobra.Command{
		Use:     "synth",
		Short:   "Write deterministic safetensors weights for configured latentmix models",
		Example: "  diffusiond synth -c diffusiond.yaml --out ./weights --dtype F16",
		RunE: func(cmd *cobra.Command, args []string) error {
			dtype = strings.ToUpper(dtype)
			switch dtype {
			case "F32", "F16", "BF16":
			default:
				return fmt.Errorf("dtype must be F32, F16 or BF16, got %q", dtype)
			}
			log := newLogger(o.cfg.LogLevel, o.cfg.LogFormat)
			store, err := weights.NewDirStore(firstNonEmpty(out, o.cfg.WeightsDir), log)
			if err != nil {
				return err
			}
			descs, err := daemon.Descriptors(o.cfg)
			if err != nil {
				return err
			}
			written := 0
			for _, d := range descs {
				if d.Family != latentmix.Family {
					log.Debug().Str("model", d.ID).Str("family", d.Family).Msg("skipping non-synthetic family")
					continue
				}
				ws, err := latentmix.Synthesize(d)
				if err != nil {
					return err
				}
				for _, s := range d.Submodules {
					ref := weights.RefFor(d, s.Kind)
					if err := store.Save(ref, ws[s.Kind], dtype); err != nil {
						return fmt.Errorf("write %s: %w", ref, err)
					}
					path, _ := store.Path(ref)
					fmt.Fprintln(cmd.OutOrStdout(), path)
					written++
				}
			}
			if written == 0 {
				return fmt.Errorf("no latentmix models configured")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output directory (defaults to weights_dir)")
	cmd.Flags().StringVar(&dtype, "dtype", "F16", "Storage dtype: F32|F16|BF16")
	return cmd
}

package main

import (
	"sort"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"odte/internal/ops"
)

func newCheckConfigCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and print the resolved setup policies",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := ops.Load(path)
			if err != nil {
				return err
			}
			cfg.ApplyEnv()
			logs.Infof("config ok, timezone: %s, flatten at: %s, instruments: %d, shards: %d",
				cfg.Session.Timezone, cfg.Session.FlattenAt, len(cfg.Instruments), cfg.Engine.Shards)
			for _, h := range cfg.SortedHorizons() {
				logs.Infof("window horizon: %s", h)
			}
			names := make([]string, 0, len(cfg.Setups))
			for name := range cfg.Setups {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				p := cfg.Setups[name]
				logs.Infof("setup %s, enabled: %t, min confidence: %.2f, base size: %.2f, stop: %.2f%%, target: %.2f%%, max hold: %s",
					name, p.IsEnabled(), p.MinConfidence, p.BaseSize, p.StopPct*100, p.TargetPct*100, p.MaxHold)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "YAML config path (defaults when empty)")
	return cmd
}

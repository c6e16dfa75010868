package main

import (
	"context"
	"os"

	"github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"odte/internal/ops"
)

func main() {
	var (
		envFile string
		stop    = func() {}
	)
	root := &cobra.Command{
		Use:           "engine",
		Short:         "0DTE signal detection and risk-managed execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				return err
			}
			stop = startProfiler()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional env file")
	root.AddCommand(newReplayCommand(), newCheckConfigCommand())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Warnf("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	err := root.ExecuteContext(ctx)
	stop()
	cancel()
	if err != nil {
		logs.Errorf("engine: %+v", err)
		os.Exit(1)
	}
}

// startProfiler starts continuous profiling when a pyroscope address is set.
func startProfiler() func() {
	addr := ops.PyroscopeAddr()
	if addr == "" {
		return func() {}
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "odte.engine",
		ServerAddress:   addr,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		logs.Warnf("pyroscope start failed, addr: %s, err: %+v", addr, err)
		return func() {}
	}
	logs.Infof("pyroscope profiling enabled, addr: %s", addr)
	return func() { _ = profiler.Stop() }
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...any)  {}
func (profilerLogger) Debugf(format string, args ...any) {}
func (profilerLogger) Errorf(format string, args ...any) { logs.Errorf(format, args...) }

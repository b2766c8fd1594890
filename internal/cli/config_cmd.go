package cli

import (
	"encoding/json"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"tilemontage/internal/config"
	"tilemontage/internal/pipeline"
	"tilemontage/internal/registration"
)

// Version is overridden at build time through -ldflags.
var Version = "v0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate tilemontage configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(root.out)
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			}
			root.configShow()
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			sample := config.Plan{Rows: 1, Cols: 1, Tiles: []string{"sample_r0c0"}}
			job, err := pipeline.JobFromPlan(pipeline.JobPreflight, "", sample, root.cfg.Montage)
			if err != nil {
				return err
			}
			if err := job.Config.Validate(); err != nil {
				return err
			}
			if _, err := registration.New(root.cfg.Montage.Engine, registration.Options{}); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			root.printf("Configuration is valid\n")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() {
	cfgPath := os.Getenv("TILEMONTAGE_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/tilemontage/config.json"
	}
	m := r.cfg.Montage
	r.printf("Current configuration:\n")
	r.printf("Config file: %s\n", cfgPath)
	r.printf("\nMontage defaults:\n")
	r.printf("  Overlap: %.1f%% (manual: %t)\n", m.OverlapPercent, m.ManualOverlap)
	r.printf("  Pixel array: %s/%s\n", m.AttributeMatrix, m.DataArray)
	r.printf("  Peak interpolation: %s\n", m.PeakInterpolation)
	r.printf("  Stream subdivisions: %d\n", m.StreamSubdivisions)
	r.printf("  Engine: %s (workers: %d)\n", m.Engine, m.Workers)
	r.printf("  Allow gaps: %t\n", m.AllowGaps)
	r.printf("\nProcessing:\n")
	r.printf("  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	r.printf("  ImageMagick decoding: %t\n", r.cfg.Processing.UseImageMagick)
	r.printf("\nStorage: %s (%s)\n", r.cfg.Paths.DatabasePath, r.cfg.Storage.Driver)
	r.printf("Server: %s", r.cfg.Server.Addr)
	if r.cfg.Server.GRPCAddr != "" {
		r.printf(" (gRPC %s)", r.cfg.Server.GRPCAddr)
	}
	r.printf("\nLogging: %s/%s\n", r.cfg.Logging.Level, r.cfg.Logging.Format)
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("tilemontage %s\n", Version)
			root.printf("Built with Go %s\n", runtime.Version())
			root.printf("Registration engines: %s\n", strings.Join(registration.Names(), ", "))
		},
	}
}

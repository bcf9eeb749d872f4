package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds all CLI flags and arguments
type AppOptions struct {
	ConfigFile string
	LogLevel   string
	LogJSON    bool

	// register
	Source     string
	Target     string
	OutputFile string // aligned source cloud, empty to skip
	JSONOutput bool

	// reconstruct
	DataDir          string
	OutputDir        string
	GroundTruth      string
	GroundTruthScale float64
	GroundTruthFlip  []string
	Format           string // raster, vector or both

	// serve
	HTTPAddr string
	NoMQTT   bool
}

// Runner is implemented by App; tests substitute a mock
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunRegister(ctx context.Context) error
	RunReconstruct(ctx context.Context) error
	RunService(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(os.Stdout)
	if err := run(ctx, os.Args[1:], os.Stdout, app); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and dispatches to the matching Runner method
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func newRootCmd(app Runner) *cobra.Command {
	var opts AppOptions

	root := &cobra.Command{
		Use:           "pcreg",
		Short:         "Point-to-plane ICP registration of depth camera frames",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.LogJSON, "log-json", false, "Emit JSON structured logs")

	// -------------------------------------------------------------------------
	// register
	// -------------------------------------------------------------------------
	registerCmd := &cobra.Command{
		Use:   "register SOURCE TARGET",
		Short: "Register SOURCE onto TARGET and print the transform",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Source, opts.Target = args[0], args[1]
			app.ApplyOptions(opts)
			return app.RunRegister(cmd.Context())
		},
	}
	registerCmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "Write the aligned source cloud to this PCD file")
	registerCmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "Print the result as JSON")

	// -------------------------------------------------------------------------
	// reconstruct
	// -------------------------------------------------------------------------
	reconstructCmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Register a directory of frames into a trajectory and map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return app.RunReconstruct(cmd.Context())
		},
	}
	reconstructCmd.Flags().StringVar(&opts.DataDir, "data-dir", ".", "Directory containing numbered .pcd or depth .png frames")
	reconstructCmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "Output directory (default: output.dir from config)")
	reconstructCmd.Flags().StringVar(&opts.GroundTruth, "ground-truth", "", "Ground truth positions JSON for mean L2 error")
	reconstructCmd.Flags().Float64Var(&opts.GroundTruthScale, "gt-scale", 1000, "Scale applied to ground truth positions (meters to mm)")
	reconstructCmd.Flags().StringSliceVar(&opts.GroundTruthFlip, "gt-flip", []string{"y", "z"}, "Ground truth axes to negate (camera frames are Y down, Z forward)")
	reconstructCmd.Flags().StringVar(&opts.Format, "format", "both", "Render format: raster, vector, or both")

	// -------------------------------------------------------------------------
	// serve
	// -------------------------------------------------------------------------
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Register frames received over MQTT and serve results over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return app.RunService(cmd.Context())
		},
	}
	serveCmd.Flags().StringVar(&opts.HTTPAddr, "http-addr", "", "HTTP listen address (default: http.addr from config)")
	serveCmd.Flags().BoolVar(&opts.NoMQTT, "no-mqtt", false, "Disable MQTT ingest")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pcreg version: %s\n", Version)
		},
	}

	root.AddCommand(registerCmd, reconstructCmd, serveCmd, versionCmd)
	return root
}

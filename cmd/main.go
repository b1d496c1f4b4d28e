package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"osmoscope/internal/config"
	"osmoscope/pkg/flowgraph"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/dumper"
	"osmoscope/pkg/logic/flux"
	"osmoscope/pkg/logic/spectrum"
	"osmoscope/pkg/server"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	deviceArgs string
	httpPort   int
)

var rootCmd = &cobra.Command{
	Use:   "osmoscope",
	Short: "OsmoSDR source with a browser FFT display",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List osmosdr drivers and the devices found",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("drivers:", flux.Drivers())
		devices := flux.FindDevices()
		if len(devices) == 0 {
			fmt.Println("no devices found")
			return
		}
		for _, d := range devices {
			fmt.Println(d)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is applied")
	rootCmd.Flags().StringVarP(&deviceArgs, "args", "a", "", "osmosdr device string, e.g. rtl_tcp=127.0.0.1:1234,freq=100e6")
	rootCmd.Flags().IntVarP(&httpPort, "port", "p", 0, "HTTP port of the display")
	rootCmd.AddCommand(devicesCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("args") {
		cfg.Source.Args = deviceArgs
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.HTTPPort = httpPort
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	gin.SetMode(gin.ReleaseMode)
	logger.InitLogger(&cfg.Log)
	defer logger.Sync()

	display := server.NewDisplayServer(cfg.Server)

	opts := flowgraph.Options{
		Title: cfg.Server.Title,
		// 设备字符串来自配置，空字符串时自动选择
		NewSource: func(string) (flux.SampleSource, error) {
			return flux.NewOsmoSDRSource(cfg.Source.Args, flux.SourceOptions{BufferSize: cfg.Source.BufferSize})
		},
		NewSink: func(settings spectrum.Settings) (flux.SpectrumDisplay, error) {
			settings.Window = cfg.Sink.Window
			settings.PeakHold = cfg.Sink.PeakHold
			sink, err := spectrum.NewFFTSink(settings)
			if err != nil {
				return nil, err
			}
			if cfg.Sink.YPerDiv > 0 {
				sink.SetYPerDiv(cfg.Sink.YPerDiv)
			}
			return sink, nil
		},
		HealthInterval: time.Duration(cfg.Server.HealthInterval) * time.Second,
	}
	if cfg.Record.Enabled {
		opts.NewRecorder = func(sampRate float64) (flux.Sink, error) {
			return dumper.NewIQWAVDumper(cfg.Record.File, uint32(sampRate))
		}
	}

	tb, err := flowgraph.NewOsmoSDRSource(display, opts)
	if err != nil {
		return err
	}
	display.SetControl(tb)
	display.SetHealthFunc(tb.Graph().GetAllComponentsHealth)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting %s, samp_rate %.0f", cfg.Server.Title, tb.SampRate())
	if err := tb.Run(ctx, true); err != nil {
		return err
	}
	logger.Info("Exiting")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

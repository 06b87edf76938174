package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/epaperlink/bletag/internal/bluez"
	"github.com/epaperlink/bletag/internal/config"
	"github.com/epaperlink/bletag/internal/display"
	"github.com/epaperlink/bletag/internal/oepl"
)

var (
	flagConfig     string
	flagAddress    string
	flagImage      string
	flagDataType   int
	flagRetries    int
	flagRetryDelay time.Duration
	flagPartRetry  int
	flagTimeout    time.Duration
)

func main() {
	logLevel := parseLogLevel(envStr("BLETAG_LOG_LEVEL", "info"))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	root := &cobra.Command{
		Use:           "bletag",
		Short:         "Push images to OpenEPaperLink BLE e-paper tags",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "TOML config file")
	root.PersistentFlags().StringVarP(&flagAddress, "address", "a", "", "tag BLE address (AA:BB:CC:DD:EE:FF)")

	upload := &cobra.Command{
		Use:   "upload",
		Short: "Upload a raw image file to the tag",
		RunE:  runUpload,
	}
	upload.Flags().StringVarP(&flagImage, "image", "i", "", "image file in the tag's native format")
	upload.Flags().IntVar(&flagDataType, "data-type", -1, "data-type byte for the announcement")
	upload.Flags().IntVar(&flagRetries, "retries", 0, "scan+connect attempt budget")
	upload.Flags().DurationVar(&flagRetryDelay, "retry-delay", 0, "pause between connect attempts")
	upload.Flags().IntVar(&flagPartRetry, "part-retries", 0, "max resends per failed part, 0 for unlimited")
	upload.MarkFlagRequired("image")

	discover := &cobra.Command{
		Use:   "discover",
		Short: "Scan for the tag and report its address",
		RunE:  runDiscover,
	}
	discover.Flags().DurationVar(&flagTimeout, "timeout", oepl.DefaultScanDuration, "scan window")

	root.AddCommand(upload, discover)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig merges the optional config file with command-line flags. Flags
// win when both are set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return config.Config{}, err
		}
	}

	if flagAddress != "" {
		cfg.Address = config.NormalizeAddress(flagAddress)
	}
	if cfg.Address == "" {
		return config.Config{}, fmt.Errorf("no tag address given (use --address or a config file)")
	}

	if cmd.Flags().Changed("data-type") {
		if flagDataType < 0 || flagDataType > 0xFF {
			return config.Config{}, fmt.Errorf("data-type out of range: %d", flagDataType)
		}
		cfg.DataType = byte(flagDataType)
	}
	if cmd.Flags().Changed("retries") {
		cfg.Engine.ConnectRetries = flagRetries
	}
	if cmd.Flags().Changed("retry-delay") {
		cfg.Engine.ConnectRetryDelay = flagRetryDelay
	}
	if cmd.Flags().Changed("part-retries") {
		cfg.Engine.PartRetries = flagPartRetry
	}
	return cfg, nil
}

func runUpload(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	image, err := os.ReadFile(flagImage)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	transport, err := bluez.New()
	if err != nil {
		return err
	}

	d := display.New(transport, cfg.Address,
		display.WithDataType(cfg.DataType),
		display.WithConnectRetries(cfg.Engine.ConnectRetries),
		display.WithConnectRetryDelay(cfg.Engine.ConnectRetryDelay),
		display.WithPartRetries(cfg.Engine.PartRetries),
		display.WithScanDuration(cfg.Engine.ScanDuration),
	)

	slog.Info("uploading", "address", cfg.Address, "image", flagImage, "bytes", len(image))
	return d.Upload(cmd.Context(), image)
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	transport, err := bluez.New()
	if err != nil {
		return err
	}

	d := display.New(transport, cfg.Address)
	addr, err := d.Discover(cmd.Context(), flagTimeout)
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

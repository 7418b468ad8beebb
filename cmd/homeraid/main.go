package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"homeraid/pkg/config"
	"homeraid/pkg/device"
	"homeraid/pkg/service"
	"homeraid/pkg/store"
	"homeraid/pkg/types"
	"homeraid/pkg/utils"
)

var (
	configFile string
	verbose    bool
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "homeraid",
		Short: "Personal RAID across your own devices",
		Long: `homeraid turns your desktop, browser and mobile devices into members of a
personal redundant storage array. Files are chunked and spread across member
devices; the engine tracks liveness, detects degraded arrays, and rebuilds
lost chunks automatically.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		configureCmd(),
		statusCmd(),
		deviceCmd(),
		uploadCmd(),
		restoreCmd(),
		healCmd(),
		verifyCmd(),
		eventsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadConfig(configFile)
	}
	return config.LoadFromEnv(), nil
}

// buildService assembles the engine from config: metadata store, chunk
// store, and the service facade over them.
func buildService(logger *zap.Logger) (*service.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	var st store.Store
	switch cfg.Store {
	case config.StoreBolt:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		st, err = store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
	case config.StoreMemory:
		st = store.NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}

	chunks, err := device.NewDiskStore(filepath.Join(cfg.DataDir, "chunks"))
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	svc := service.New(cfg, st, chunks, logger)
	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}
	return svc, cleanup, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the health monitor and healer until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			svc.StartBackground()
			defer svc.StopBackground()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			logger.Info("homeraid running, press Ctrl+C to stop")
			<-sig

			return nil
		},
	}
}

func configureCmd() *cobra.Command {
	var (
		owner      string
		level      string
		chunkSize  string
		minDevices int
		devices    []string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Create an array over registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			size, err := utils.ParseDataSize(chunkSize)
			if err != nil {
				return fmt.Errorf("invalid chunk size: %w", err)
			}

			ids := make([]types.DeviceID, 0, len(devices))
			for _, d := range devices {
				for _, part := range strings.Split(d, ",") {
					if part = strings.TrimSpace(part); part != "" {
						ids = append(ids, types.DeviceID(part))
					}
				}
			}

			configID, err := svc.ConfigureArray(owner, types.RaidLevel(level), size, minDevices, ids)
			if err != nil {
				return err
			}

			fmt.Printf("Array configured: %s\n", configID)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "array owner")
	cmd.Flags().StringVar(&level, "level", string(types.LevelMirror), "raid level (mirror or striped-parity)")
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "1MB", "chunk size, e.g. 1MB")
	cmd.Flags().IntVar(&minDevices, "min-devices", 0, "minimum online devices before the array is degraded (default: level minimum)")
	cmd.Flags().StringSliceVar(&devices, "devices", nil, "member device ids")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("devices")

	return cmd
}

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Register and manage member devices",
	}

	var (
		owner     string
		platform  string
		capacity  string
		available string
	)
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a new device",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			total, err := utils.ParseDataSize(capacity)
			if err != nil {
				return fmt.Errorf("invalid capacity: %w", err)
			}
			avail := total
			if available != "" {
				if avail, err = utils.ParseDataSize(available); err != nil {
					return fmt.Errorf("invalid available capacity: %w", err)
				}
			}

			id, err := svc.RegisterDevice(owner, types.Platform(platform), total, avail)
			if err != nil {
				return err
			}
			fmt.Printf("Device registered: %s\n", id)
			return nil
		},
	}
	register.Flags().StringVar(&owner, "owner", "", "device owner")
	register.Flags().StringVar(&platform, "platform", "", "device platform (desktop, browser, mobile)")
	register.Flags().StringVar(&capacity, "capacity", "", "total storage capacity, e.g. 500GB")
	register.Flags().StringVar(&available, "available", "", "available capacity (default: total)")
	register.MarkFlagRequired("platform")
	register.MarkFlagRequired("capacity")

	var hbAvailable string
	heartbeat := &cobra.Command{
		Use:   "heartbeat <device-id>",
		Short: "Refresh a device's last-seen timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			avail := int64(-1)
			if hbAvailable != "" {
				if avail, err = utils.ParseDataSize(hbAvailable); err != nil {
					return fmt.Errorf("invalid available capacity: %w", err)
				}
			}
			return svc.Heartbeat(types.DeviceID(args[0]), avail)
		},
	}
	heartbeat.Flags().StringVar(&hbAvailable, "available", "", "updated available capacity")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			devices, err := svc.ListDevices()
			if err != nil {
				return err
			}
			cfg, _ := loadConfig()
			printDevices(devices, cfg.OfflineThreshold())
			return nil
		},
	}

	retire := &cobra.Command{
		Use:   "retire <device-id>",
		Short: "Permanently retire a device; its chunks get rebuilt elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			return svc.RetireDevice(types.DeviceID(args[0]))
		},
	}

	cmd.AddCommand(register, heartbeat, list, retire)
	return cmd
}

func uploadCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload <config-id> <path>",
		Short: "Upload a file into an array",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			if name == "" {
				name = filepath.Base(args[1])
			}

			manifest, err := svc.UploadFile(cmd.Context(), types.ConfigID(args[0]), name, data)
			if err != nil {
				return err
			}
			fmt.Printf("File placed: %s (%d stripes, %s)\n",
				manifest.ID, len(manifest.Stripes), utils.FormatDataSize(manifest.Size))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stored file name (default: basename)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "restore <file-id>",
		Short: "Reassemble a file from the array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			data, err := svc.DownloadFile(cmd.Context(), types.FileID(args[0]))
			if err != nil {
				return err
			}
			if out == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
			fmt.Printf("Restored %s to %s\n", utils.FormatDataSize(int64(len(data))), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default: stdout)")
	return cmd
}

func healCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heal [config-id]",
		Short: "Run one health sweep and one healing sweep now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			configID := types.ConfigID("")
			if len(args) == 1 {
				configID = types.ConfigID(args[0])
			}
			if err := svc.TriggerHeal(cmd.Context(), configID); err != nil {
				return err
			}
			fmt.Println("Heal sweep complete")
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file-id>",
		Short: "Verify a file's chunks against their manifest hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			corrupt, err := svc.VerifyFile(cmd.Context(), types.FileID(args[0]))
			if err != nil {
				return err
			}
			if len(corrupt) == 0 {
				fmt.Println("All chunks verified")
				return nil
			}
			fmt.Printf("%d corrupt chunk(s) flagged for reconstruction:\n", len(corrupt))
			for _, id := range corrupt {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events [config-id]",
		Short: "Show the healing audit trail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			configID := types.ConfigID("")
			if len(args) == 1 {
				configID = types.ConfigID(args[0])
			}
			events, err := svc.ListEvents(configID, limit)
			if err != nil {
				return err
			}
			printEvents(events)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max events to show")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("homeraid %s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

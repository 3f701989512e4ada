package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"node.town/phonematch/capture"
	"node.town/phonematch/config"
	"node.town/phonematch/metrics"
	"node.town/phonematch/phoneme"
	"node.town/phonematch/results"
	"node.town/phonematch/session"
	"node.town/phonematch/setup"
	"node.town/phonematch/www"
)

var v = config.New()

func init() {
	cobra.OnInitialize(initConfig)

	listenCmd.Flags().String("phonemes", "", "Expected phonemes, separated by spaces")
	listenCmd.Flags().String("device", "", "Input device name (substring match)")
	replayCmd.Flags().String("phonemes", "", "Expected phonemes, separated by spaces")
	replayCmd.Flags().Bool("fast", false, "Stream the file as fast as possible")
	replayCmd.Flags().Duration("drain", defaultDrain, "How long to wait for results after the file ends")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(setupCmd)

	// Add persistent flags
	rootCmd.PersistentFlags().String("endpoint", phoneme.DefaultEndpoint, "Phoneme matcher WebSocket URL")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve status and metrics on this address, e.g. :9090")
	rootCmd.PersistentFlags().
		Duration("chunk-duration", session.DefaultChunkDuration, "Audio per frame sent to the matcher")
	rootCmd.PersistentFlags().
		Bool("insecure-skip-verify", false, "Accept self-signed TLS certificates")

	// Bind flags to viper
	v.BindPFlag(config.KeyEndpoint, rootCmd.PersistentFlags().Lookup("endpoint"))
	v.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag(config.KeyMetricsAddr, rootCmd.PersistentFlags().Lookup("metrics-addr"))
	v.BindPFlag(
		config.KeyChunkDuration,
		rootCmd.PersistentFlags().Lookup("chunk-duration"),
	)
	v.BindPFlag(
		config.KeyInsecureSkipVerify,
		rootCmd.PersistentFlags().Lookup("insecure-skip-verify"),
	)
}

func initConfig() {
	if err := config.ReadFile(v, "."); err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
	}
}

// bindLocal binds a command's own flag, so that commands sharing a flag
// name do not override each other.
func bindLocal(cmd *cobra.Command, flag, key string) {
	if f := cmd.Flags().Lookup(flag); f != nil {
		v.BindPFlag(key, f)
	}
}

var rootCmd = &cobra.Command{
	Use:   "phonematch",
	Short: "Phonematch streams your pronunciation to a phoneme matcher",
	Long: `Phonematch captures microphone audio, streams it to a phoneme-matching
service and shows how closely each segment matched the expected phonemes.`,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices in a table",
	Run:   runDevices,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write config.yaml interactively",
	Run: func(cmd *cobra.Command, args []string) {
		logger := createLogger(os.Stderr, log.InfoLevel)
		if err := setup.Run(v, "config.yaml", logger); err != nil {
			logger.Fatal("setup", "error", err)
		}
	},
}

func runDevices(cmd *cobra.Command, args []string) {
	logger := createLogger(os.Stderr, log.InfoLevel)

	devices, err := capture.ListInputDevices()
	if err != nil {
		logger.Fatal("list devices", "error", err)
	}

	if len(devices) == 0 {
		fmt.Println("No input devices found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Host API", "Channels", "Sample Rate", "Default"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, d := range devices {
		def := ""
		if d.Default {
			def = "*"
		}
		table.Append([]string{
			d.Name,
			d.HostAPI,
			fmt.Sprintf("%d", d.Channels),
			fmt.Sprintf("%.0f Hz", d.SampleRate),
			def,
		})
	}

	table.Render()
}

// app holds what every streaming command shares.
type app struct {
	settings config.Settings
	logger   *log.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	results  *results.Log
}

func newApp(cfg *viper.Viper, logger *log.Logger) (*app, error) {
	settings, err := config.Load(cfg)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(settings.LogLevel)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		settings: settings,
		logger:   logger,
		registry: registry,
		metrics:  metrics.New(registry),
		results:  results.NewLog(),
	}, nil
}

func (a *app) recorder(device capture.Device, observer session.Observer) *session.Recorder {
	deps := session.Deps{
		Device:   device,
		Dial:     session.PhonemeDialer(a.settings.Dial(a.logger.WithPrefix("ws"))),
		Resample: a.settings.Resample(),
		Logger:   a.logger.WithPrefix("session"),
		Observer: session.MultiObserver{session.ResultsTo(a.results), observer},
		Metrics:  a.metrics,
	}
	return session.NewRecorder(a.settings.Session(), deps)
}

// serve runs the status server in the background when metrics_addr is
// set.
func (a *app) serve(ctx context.Context, rec *session.Recorder) {
	if a.settings.MetricsAddr == "" {
		return
	}
	logger := a.logger.WithPrefix("http")
	router := www.NewRouter(www.Options{
		Status:   rec,
		Results:  a.results,
		Gatherer: a.registry,
		Logger:   logger,
	})
	go func() {
		if err := www.Serve(ctx, a.settings.MetricsAddr, router, logger); err != nil {
			logger.Error("serve", "error", err)
		}
	}()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

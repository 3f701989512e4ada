package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"node.town/phonematch/capture"
	"node.town/phonematch/config"
	"node.town/phonematch/tui"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Match live microphone audio against the expected phonemes",
	Long: `Opens the default microphone and shows match results as they arrive.
Press s to start, x to stop, e to edit the expected phonemes and q to quit.`,
	Run: runListen,
}

func runListen(cmd *cobra.Command, args []string) {
	bindLocal(cmd, "phonemes", config.KeyPhonemes)
	bindLocal(cmd, "device", config.KeyDevice)

	logger, closeLog, err := openFileLogger(log.InfoLevel)
	if err != nil {
		log.Fatal("open log", "error", err)
	}
	defer closeLog()

	a, err := newApp(v, logger)
	if err != nil {
		logger.Fatal("load config", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bridge := tui.NewBridge()
	defer bridge.Close()

	mic := &capture.PortAudio{
		DeviceName: a.settings.Device,
		Logger:     logger.WithPrefix("mic"),
	}
	rec := a.recorder(mic, bridge)
	defer rec.Stop()
	a.serve(ctx, rec)

	model := tui.New(ctx, rec, a.results, bridge, a.settings.Phonemes)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		logger.Error("ui", "error", err)
	}

	summary := a.results.Summary()
	logger.Info(
		"done",
		"segments", summary.Segments,
		"log", logFileName,
	)
}

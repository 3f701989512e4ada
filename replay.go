package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"node.town/phonematch/capture"
	"node.town/phonematch/config"
	"node.town/phonematch/phoneme"
	"node.town/phonematch/results"
	"node.town/phonematch/session"
)

const defaultDrain = 3 * time.Second

var replayCmd = &cobra.Command{
	Use:   "replay <file.wav>",
	Short: "Stream a WAV file to the matcher and summarize the results",
	Long: `Plays a WAV file through the same pipeline as the microphone, in real
time unless --fast is given, then prints a summary of every result.`,
	Args: cobra.ExactArgs(1),
	Run:  runReplay,
}

// progress logs session events as they happen.
type progress struct {
	logger *log.Logger
}

func (p progress) StateChanged(s session.State) {
	p.logger.Debug("state", "state", s)
}

func (p progress) ConnectionChanged(connected bool) {
	if connected {
		p.logger.Info("connected")
	} else {
		p.logger.Info("disconnected")
	}
}

func (p progress) ResultReceived(r phoneme.MatchResult) {
	entry := results.NewEntry(0, r)
	p.logger.Info(
		"result",
		"predicted", entry.Predicted,
		"accuracy", results.FormatScore(entry.Accuracy),
		"latency", results.FormatLatency(entry.LatencyMs),
	)
}

func runReplay(cmd *cobra.Command, args []string) {
	bindLocal(cmd, "phonemes", config.KeyPhonemes)

	logger := createLogger(os.Stderr, log.InfoLevel)
	fast, _ := cmd.Flags().GetBool("fast")
	drain, _ := cmd.Flags().GetDuration("drain")

	a, err := newApp(v, logger)
	if err != nil {
		logger.Fatal("load config", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	file := &capture.WAVFile{Path: args[0], Paced: !fast}
	rec := a.recorder(file, progress{logger: logger})
	a.serve(ctx, rec)

	s, err := rec.Start(ctx)
	if err != nil {
		logger.Fatal("start", "error", err)
	}
	logger.Info(
		"replay",
		"file", args[0],
		"duration", file.Duration(),
		"rate", file.SampleRate(),
	)

	select {
	case <-file.Done():
		logger.Info("file finished, waiting for results", "drain", drain)
		select {
		case <-time.After(drain):
		case <-s.Done():
		case <-ctx.Done():
		}
	case <-s.Done():
	case <-ctx.Done():
	}
	rec.Stop()

	if err := s.Err(); err != nil {
		logger.Error("session", "error", err)
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(72),
	)
	if err != nil {
		logger.Fatal("failed to create renderer", "error", err)
	}

	report := results.Markdown(s.Phonemes(), a.results.Entries(), a.results.Summary())
	rendered, err := renderer.Render(report)
	if err != nil {
		logger.Fatal("failed to render summary", "error", err)
	}
	fmt.Print(rendered)
}

// Package setup asks for the basic settings and writes them to
// config.yaml.
package setup

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"node.town/phonematch/capture"
	"node.town/phonematch/config"
	"node.town/phonematch/phoneme"
	"node.town/phonematch/resample"
)

type Answers struct {
	Endpoint           string
	Phonemes           string
	Device             string
	ChunkDuration      string
	Resampler          string
	InsecureSkipVerify bool
}

// Current fills answers from what v already holds.
func Current(v *viper.Viper) Answers {
	return Answers{
		Endpoint:           v.GetString(config.KeyEndpoint),
		Phonemes:           v.GetString(config.KeyPhonemes),
		Device:             v.GetString(config.KeyDevice),
		ChunkDuration:      v.GetDuration(config.KeyChunkDuration).String(),
		Resampler:          v.GetString(config.KeyResampler),
		InsecureSkipVerify: v.GetBool(config.KeyInsecureSkipVerify),
	}
}

func Run(v *viper.Viper, path string, logger *log.Logger) error {
	logger.Info("setup", "file", path)

	answers := Current(v)
	if err := form(&answers, deviceOptions(logger)).Run(); err != nil {
		return fmt.Errorf("error during setup: %w", err)
	}

	if err := Apply(v, answers); err != nil {
		return err
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	logger.Info("setup complete", "file", path)
	return nil
}

func form(a *Answers, devices []huh.Option[string]) *huh.Form {
	fields := []huh.Field{
		huh.NewInput().
			Title("Phoneme matcher endpoint").
			Value(&a.Endpoint).
			Validate(validateEndpoint),
		huh.NewInput().
			Title("Expected phonemes").
			Description("Separated by spaces").
			Value(&a.Phonemes).
			Validate(validatePhonemes),
		huh.NewInput().
			Title("Chunk duration").
			Value(&a.ChunkDuration).
			Validate(validateDuration),
		huh.NewSelect[string]().
			Title("Resampler").
			Options(
				huh.NewOption("Linear interpolation", resample.NameLinear),
				huh.NewOption("High quality", resample.NameHigh),
			).
			Value(&a.Resampler),
		huh.NewConfirm().
			Title("Accept self-signed certificates?").
			Value(&a.InsecureSkipVerify),
	}
	if len(devices) > 0 {
		fields = append(fields, huh.NewSelect[string]().
			Title("Microphone").
			Options(devices...).
			Value(&a.Device))
	}
	return huh.NewForm(huh.NewGroup(fields...))
}

func deviceOptions(logger *log.Logger) []huh.Option[string] {
	devices, err := capture.ListInputDevices()
	if err != nil {
		logger.Warn("cannot list input devices", "error", err)
		return nil
	}
	options := []huh.Option[string]{huh.NewOption("System default", "")}
	for _, d := range devices {
		options = append(options, huh.NewOption(d.Name, d.Name))
	}
	return options
}

// Apply validates a and stores it in v.
func Apply(v *viper.Viper, a Answers) error {
	for _, check := range []error{
		validateEndpoint(a.Endpoint),
		validatePhonemes(a.Phonemes),
		validateDuration(a.ChunkDuration),
	} {
		if check != nil {
			return check
		}
	}
	if _, err := resample.ByName(a.Resampler); err != nil {
		return err
	}

	d, _ := time.ParseDuration(a.ChunkDuration)
	v.Set(config.KeyEndpoint, strings.TrimSpace(a.Endpoint))
	v.Set(config.KeyPhonemes, phoneme.ParsePhonemes(a.Phonemes).String())
	v.Set(config.KeyDevice, a.Device)
	v.Set(config.KeyChunkDuration, d.String())
	v.Set(config.KeyResampler, a.Resampler)
	v.Set(config.KeyInsecureSkipVerify, a.InsecureSkipVerify)
	return nil
}

func validateEndpoint(s string) error {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
		return fmt.Errorf("endpoint must start with ws:// or wss://")
	}
	return nil
}

func validatePhonemes(s string) error {
	return phoneme.ParsePhonemes(s).Validate()
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}

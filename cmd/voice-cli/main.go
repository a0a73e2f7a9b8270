// Command voice-cli runs one voice session against the local microphone and
// speaker. Build with -tags portaudio.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/krushimitra/voice-engine/internal/audio"
	"github.com/krushimitra/voice-engine/internal/config"
	"github.com/krushimitra/voice-engine/internal/device"
	"github.com/krushimitra/voice-engine/internal/observability"
	"github.com/krushimitra/voice-engine/internal/persona"
	"github.com/krushimitra/voice-engine/internal/playback"
	"github.com/krushimitra/voice-engine/internal/session"
	"github.com/krushimitra/voice-engine/internal/transport/gemini"
)

var (
	flagLanguage string
	flagCrop     string
	flagOut      string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:          "voice-cli",
	Short:        "Talk to AI Krushi Mitra from the terminal",
	Version:      observability.Version,
	SilenceUsage: true,
	Long: `voice-cli opens a realtime voice session with the Gemini Live API using
the default microphone and speaker. Press Ctrl-C to end the conversation;
the mixed recording is written as a WAV file and its path printed.

Configuration is read from the environment (and .env), as for the server.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func init() {
	rootCmd.Flags().StringVarP(&flagLanguage, "lang", "l", "", "assistant language: mr, hi or en (default ASSISTANT_LANGUAGE)")
	rootCmd.Flags().StringVar(&flagCrop, "crop", "", "crop the farmer is growing (default FARMER_CROP)")
	rootCmd.Flags().StringVarP(&flagOut, "out", "o", "", "directory for the session recording (default RECORDING_DIR)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if flagVerbose {
		level = "debug"
	}
	observability.InitLogger(level, true)
	logger := observability.GetLogger()

	if !device.Available {
		return errors.New("voice-cli was built without audio support; rebuild with -tags portaudio")
	}

	lang := cfg.Language
	if flagLanguage != "" {
		lang = flagLanguage
	}
	crop := cfg.Crop
	if flagCrop != "" {
		crop = flagCrop
	}
	out := cfg.RecordingDirectory()
	if flagOut != "" {
		out = flagOut
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	live, err := gemini.New(ctx, cfg.GeminiAPIKey, logger)
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}

	ended := make(chan struct{})
	var endOnce sync.Once
	var printed int

	engine := session.NewEngine(session.Options{
		Transport:       live,
		TransportConfig: persona.TransportConfig(cfg.GeminiModel, cfg.GeminiVoice, persona.ParseLanguage(lang), crop),
		Devices:         device.NewPortAudioProvider(cfg.InputSampleRate, cfg.CaptureFrameSize),
		Sinks: func(ctx context.Context) (playback.Sink, error) {
			return device.OpenSpeaker(cfg.OutputSampleRate)
		},
		Policy:             cfg.RetryPolicy(),
		RecordingDir:       out,
		OutputSampleRate:   cfg.OutputSampleRate,
		CaptureFrameLength: cfg.CaptureFrameSize,
		CaptureQueueSize:   cfg.SendQueueSize,
		VAD: &audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		},
		Logger: logger,
		// Runs on the engine goroutine, one snapshot at a time
		Observer: func(s session.Snapshot) {
			if printed > len(s.Turns) {
				printed = 0
			}
			for _, turn := range s.Turns[printed:] {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", turn.Role, turn.Text)
			}
			printed = len(s.Turns)

			if s.State == session.StateClosed {
				endOnce.Do(func() { close(ended) })
			}
		},
	})
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Listening. Press Ctrl-C to end the conversation.")

	select {
	case <-ctx.Done():
	case <-ended:
		// The session gave up reconnecting; Stop waits for its recording
	}

	if err := engine.Stop(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to finalize recording")
	}

	snap := engine.Snapshot()
	if snap.Recording != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Recording saved to %s (%s)\n", snap.Recording.Path, snap.Recording.Duration.Round(time.Millisecond))
	}
	return snap.Err
}

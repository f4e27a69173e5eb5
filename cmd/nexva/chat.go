package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Alomgir27/nexva-widget/internal/audio"
	"github.com/Alomgir27/nexva-widget/internal/bus"
	"github.com/Alomgir27/nexva-widget/internal/config"
	"github.com/Alomgir27/nexva-widget/internal/logging"
	"github.com/Alomgir27/nexva-widget/internal/metrics"
	"github.com/Alomgir27/nexva-widget/internal/protocol"
	"github.com/Alomgir27/nexva-widget/internal/session"
	"github.com/Alomgir27/nexva-widget/internal/storage"
	"github.com/Alomgir27/nexva-widget/internal/stt"
	"github.com/Alomgir27/nexva-widget/internal/view"
)

// errQuit ends the input loop without reporting an error.
var errQuit = errors.New("quit")

type chatFlags struct {
	configPath  *string
	apiKey      string
	metricsAddr string
	voice       bool
	resume      bool
	verbose     bool
}

func newChatCmd(configPath *string) *cobra.Command {
	f := chatFlags{configPath: configPath}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session",
		Long: `Open an interactive chat session.

Lines are sent as messages. Commands:
  /voice     toggle voice chat        /human    talk to a person
  /ai        back to the assistant    /support  request human support
  /more      load older messages      /reset    start a new conversation
  /stop      cut off a spoken answer  /N        send preset question N
  /logs [N]  show recent log entries  /quit     leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "widget API key (overrides config)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.voice, "voice", false, "start in voice chat mode")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "resume the last conversation across runs")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log to stderr")
	return cmd
}

func runChat(ctx context.Context, f chatFlags, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return err
	}
	if f.apiKey != "" {
		cfg.APIKey = f.apiKey
	}
	if cfg.APIKey == "" {
		return errors.New("no api key: set api_key in the config file or pass --api-key")
	}

	logger, err := logging.New(&logging.Config{
		LogDir:     cfg.Log.Dir,
		Level:      logging.LogLevel(cfg.Log.Level),
		MaxHistory: 500,
		Console:    cfg.Log.Console || f.verbose,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	state, err := storage.OpenFileStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	var conversations storage.Store = storage.NewMemoryStore()
	if f.resume {
		conversations = state
	}

	eventBus := bus.NewEventBus()
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeConnected,
		bus.EventTypeDisconnected,
		bus.EventTypeError,
		bus.EventTypeConversationAssigned,
		bus.EventTypeModeChanged,
		bus.EventTypeSupportRequested,
		bus.EventTypeInterrupt,
	}, func(e bus.Event) {
		logger.Debug("events", string(e.Type), e.Data)
	})

	term := view.NewTerminal(view.Options{Out: out, PrimaryColor: cfg.Widget.PrimaryColor})
	if !cfg.Log.Console && !f.verbose {
		logger.SetOnLog(showProblems(term))
	}
	opts := session.Options{
		APIKey:            cfg.APIKey,
		Config:            cfg,
		View:              term,
		ConversationStore: conversations,
		SessionStore:      state,
		EventBus:          eventBus,
		Logger:            logger.Zerolog(),
	}
	wireVoice(&opts, cfg, logger.Zerolog())

	w, err := session.New(opts)
	if err != nil {
		return err
	}
	defer w.Destroy()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: f.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("cli", "Serving metrics", map[string]interface{}{"addr": f.metricsAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	watchPath := *f.configPath
	if watchPath == "" {
		if _, err := os.Stat(config.DefaultPath()); err == nil {
			watchPath = config.DefaultPath()
		}
	}
	if watchPath != "" {
		err := config.Watch(watchPath, w.ApplyConfig, func(err error) {
			logger.Error("cli", "Ignoring invalid config change", err, nil)
		})
		if err != nil {
			logger.Warn("cli", "Config watch disabled", map[string]interface{}{"error": err.Error()})
		}
	}

	logger.Info("cli", "Chat started", map[string]interface{}{
		"resume":   f.resume,
		"log_file": logger.GetLogPath(),
	})
	term.Header(cfg.Widget.HeaderText)
	if err := w.Open(gctx); err != nil {
		logger.Error("cli", "Initial connection failed", err, nil)
	}
	if f.voice {
		if err := w.StartVoice(gctx); err != nil {
			logger.Warn("cli", "Voice chat unavailable", map[string]interface{}{"error": err.Error()})
		}
	}

	r := &repl{w: w, term: term, logger: logger}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := r.handle(gctx, line); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// wireVoice attaches the recognizer, microphone and player the
// configuration allows. Missing pieces leave voice chat unavailable.
func wireVoice(opts *session.Options, cfg *config.Config, logger zerolog.Logger) {
	if player, err := audio.NewCommandPlayer(cfg.Audio.PlayerPath, cfg.Audio.Volume, logger); err == nil {
		opts.Player = player
	} else {
		logger.Warn().Err(err).Msg("Audio playback disabled")
	}

	if !cfg.Widget.EnableVoice || cfg.STT.Provider != "deepgram" {
		return
	}
	rec := stt.NewDeepgramRecognizer(&stt.DeepgramConfig{
		APIKey:     cfg.STT.DeepgramAPIKey,
		Model:      cfg.STT.Model,
		SampleRate: cfg.Audio.SampleRate,
	}, logger)
	if !rec.IsAvailable() {
		logger.Warn().Msg("No Deepgram API key, voice input disabled")
		return
	}
	opts.Recognizer = rec
	opts.Microphone = stt.NewFFmpegMicrophone(stt.MicrophoneConfig{
		FFmpegPath:  cfg.Audio.CapturePath,
		InputFormat: cfg.Audio.InputFormat,
		Device:      cfg.Audio.InputDevice,
		SampleRate:  cfg.Audio.SampleRate,
	}, logger)
}

// command is one parsed input line. A plain message has an empty name.
type command struct {
	name string
	text string
}

func parseLine(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), text: strings.TrimSpace(rest)}
}

// defaultLogLines is how many entries /logs prints without an argument.
const defaultLogLines = 20

// repl routes input lines to the widget.
type repl struct {
	w      *session.Widget
	term   *view.Terminal
	logger *logging.Logger
}

func (r *repl) handle(ctx context.Context, line string) error {
	c := parseLine(line)
	switch c.name {
	case "":
		if c.text != "" {
			r.w.Send(c.text)
		}
	case "quit", "exit", "q":
		return errQuit
	case "voice":
		if err := r.w.ToggleVoice(ctx); err != nil && !errors.Is(err, session.ErrVoiceUnavailable) {
			r.term.Println(err.Error())
		}
	case "stop":
		r.w.Interrupt()
	case "human":
		_ = r.w.SwitchMode(ctx, protocol.ModeHuman)
	case "ai":
		_ = r.w.SwitchMode(ctx, protocol.ModeAI)
	case "support":
		_ = r.w.RequestSupport(ctx)
	case "more":
		n, err := r.w.LoadMore(ctx)
		switch {
		case err != nil:
			r.term.Println("Could not load older messages.")
		case n == 0:
			r.term.Println("No older messages.")
		}
	case "reset":
		_ = r.w.Reset(ctx)
	case "logs":
		r.printLogs(c.text)
	case "help":
		r.term.Println("/voice /stop /human /ai /support /more /reset /logs /N /quit")
	default:
		n, err := strconv.Atoi(c.name)
		if err != nil || !r.w.SendPreset(n-1) {
			r.term.Println("Unknown command /" + c.name)
		}
	}
	return nil
}

func (r *repl) printLogs(arg string) {
	n := defaultLogLines
	if v, err := strconv.Atoi(arg); err == nil && v > 0 {
		n = v
	}

	var b strings.Builder
	entries := r.logger.GetHistory(n)
	if len(entries) == 0 {
		b.WriteString("No log entries yet.")
	}
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %-5s %-8s %s", e.Timestamp, e.Level, e.Component, e.Message)
		if e.Data != "" {
			b.WriteString(" (" + e.Data + ")")
		}
	}
	if path := r.logger.GetLogPath(); path != "" {
		b.WriteString("\nLog file: " + path)
	}
	r.term.Println(b.String())
}

// showProblems echoes warnings and errors to the terminal when log output
// is not already on the console.
func showProblems(term *view.Terminal) func(logging.LogEntry) {
	return func(e logging.LogEntry) {
		if e.Level != string(logging.LevelWarn) && e.Level != string(logging.LevelError) {
			return
		}
		msg := "⚠ " + e.Message
		if e.Data != "" {
			msg += " (" + e.Data + ")"
		}
		term.Println(msg)
	}
}

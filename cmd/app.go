package cmd

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/carterjones/signalr-tester/internal/config"
	"github.com/carterjones/signalr-tester/internal/history"
	"github.com/carterjones/signalr-tester/internal/logs"
	"github.com/carterjones/signalr-tester/internal/session"
	"github.com/carterjones/signalr-tester/internal/storage"
	"github.com/carterjones/signalr-tester/internal/tui"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// app is everything a command needs, built from the configuration.
type app struct {
	config      *config.Config
	logger      *zap.Logger
	store       storage.Store
	logs        *logs.Pool
	connections *history.Connections
	methods     *history.Methods
	session     *session.Session
	notifier    *tui.Notifier
}

func newLogger(cfg *config.Config, interactive bool) (*zap.Logger, error) {
	if interactive && cfg.Log.File == "" {
		return zap.NewNop(), nil
	}

	zc := zap.NewProductionConfig()
	if cfg.Debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if cfg.Log.File != "" {
		zc.OutputPaths = []string{cfg.Log.File}
		zc.ErrorOutputPaths = []string{cfg.Log.File}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize logger")
	}

	return logger, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.History.Disabled {
		return storage.NewMemory(), nil
	}

	path := cfg.History.Path
	if path == "" {
		path = storage.DefaultPath()
	}

	store, err := storage.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open history")
	}

	return store, nil
}

// newApp loads the configuration and builds the session. interactive keeps
// diagnostics off the terminal unless a log file is configured.
func newApp(cmd *cobra.Command, interactive bool) (*app, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	logger, err := newLogger(cfg, interactive)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	headers, err := cfg.HeaderMap()
	if err != nil {
		return nil, err
	}

	a := &app{
		config:      cfg,
		logger:      logger,
		store:       store,
		logs:        logs.NewPool(cfg.Log.MaxEntries),
		connections: history.LoadConnections(store, cfg.History.MaxConnections, logger),
		methods:     history.LoadMethods(store, cfg.History.MaxMethods, logger),
		notifier:    &tui.Notifier{},
	}

	a.session = session.New(session.Options{
		Dialer: session.NewDialer(session.ClientOptions{
			Proxy:              cfg.Client.Proxy,
			Cloudflare:         cfg.Client.Cloudflare,
			InsecureSkipVerify: cfg.Client.InsecureSkipVerify,
			Headers:            headers,
			Logger:             logger.Named("signalr"),
		}),
		Logs:        a.logs,
		Connections: a.connections,
		Methods:     a.methods,
		Listeners:   cfg.Listen.Methods,
		Timeout:     cfg.Client.Timeout,
		Notify:      a.notifier.Notify,
		Logger:      logger,
	})

	a.session.UpdateSettings(func(st *session.Settings) {
		st.HubURL = cfg.Hub.URL
		st.Token = cfg.Hub.Token
		st.UseToken = strings.TrimSpace(cfg.Hub.Token) != ""
		st.Transport = cfg.Transport()
		st.WithCredentials = cfg.Hub.WithCredentials
		st.SkipNegotiation = cfg.Hub.SkipNegotiation
	})

	logger.Debug("configuration loaded",
		zap.String("hub", cfg.Hub.URL),
		zap.String("transport", cfg.Hub.Transport),
		zap.Bool("history", !cfg.History.Disabled))

	return a, nil
}

// printLogs writes every new log entry to w until the returned function is
// called.
func (a *app) printLogs(w io.Writer) func() {
	return a.logs.Subscribe(func(e logs.Entry) {
		_, _ = io.WriteString(w, tui.FormatEntry(e)+"\n")
	})
}

// Close stops the connection and closes the history store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errGrp := errgroup.Group{}

	errGrp.Go(func() error {
		return a.session.Close(ctx)
	})

	errGrp.Go(func() error {
		return a.store.Close()
	})

	err := errGrp.Wait()
	_ = a.logger.Sync()

	return err
}

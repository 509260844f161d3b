package main

import (
	"context"
	"os"
	"time"

	"github.com/evalphobia/logrus_sentry"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/chathub/internal/auth"
	"github.com/Tyrowin/chathub/internal/config"
	"github.com/Tyrowin/chathub/internal/hub"
	"github.com/Tyrowin/chathub/internal/server"
	"github.com/Tyrowin/chathub/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.LoadConfig("chathub.toml")

	// configure our logger
	logrus.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level '%s'", cfg.LogLevel)
	}
	logrus.SetLevel(level)

	// if we have a DSN entry, try to initialize it
	if cfg.SentryDSN != "" {
		hook, err := logrus_sentry.NewSentryHook(cfg.SentryDSN, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel})
		if err != nil {
			logrus.Fatalf("Invalid sentry DSN: '%s': %s", cfg.SentryDSN, err)
		}
		hook.Timeout = 0
		hook.StacktraceConfiguration.Enable = true
		hook.StacktraceConfiguration.Skip = 4
		hook.StacktraceConfiguration.Context = 5
		logrus.StandardLogger().Hooks.Add(hook)
	}

	log := logrus.WithField("comp", "main")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	st, err := store.Open(cfg.DB)
	if err != nil {
		log.WithError(err).WithField("db", cfg.DB).Fatal("unable to open database")
	}

	h := hub.New(st, st, hub.Options{
		QueueSize:    cfg.QueueSize,
		PingInterval: cfg.PingIntervalDuration(),
		PongGrace:    cfg.PongGraceDuration(),
		TypingTTL:    cfg.TypingTTLDuration(),
		Logger:       logrus.StandardLogger(),
	})
	srv := server.NewServer(cfg, h, st, auth.NewVerifier(cfg.JWTSecret, st), logrus.StandardLogger())

	go func() {
		if err := srv.Start(); err != nil {
			log.WithError(err).Fatal("error starting server")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
			// sessions are closed before the database so in flight messages can persist
			"hub": func(ctx context.Context) error {
				timeout := shutdownTimeout
				if deadline, ok := ctx.Deadline(); ok {
					timeout = time.Until(deadline)
				}
				if err := h.Shutdown(timeout); err != nil {
					log.WithError(err).Warn("hub did not drain before the deadline")
				}
				return st.Close()
			},
		},
	)

	exitCode := <-wait
	log.WithField("code", exitCode).Info("stopped")
	os.Exit(exitCode)
}

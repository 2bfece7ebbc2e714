// Command wirehubd runs the wirehub messaging server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/wirehub/wirehub/config"
	"github.com/wirehub/wirehub/src/audit"
	"github.com/wirehub/wirehub/src/auth"
	"github.com/wirehub/wirehub/src/service"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	if level, err := zerolog.ParseLevel(os.Getenv("WIREHUB_LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	cfg := config.FromEnv()

	validator, err := buildValidator()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid WIREHUB_TOKENS")
	}

	sink, err := buildSink(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("audit sink unavailable")
	}

	svc, err := service.New(cfg, service.Options{
		Validator: validator,
		ACL:       auth.AllowAll(),
		Sink:      sink,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}

// buildValidator reads WIREHUB_TOKENS (token:user:tenant triples) into a
// static validator. Without it, connections can never authenticate, which is
// still a valid read-only deployment for the ops surface.
func buildValidator() (auth.TokenValidator, error) {
	spec := os.Getenv("WIREHUB_TOKENS")
	if spec == "" {
		return nil, nil
	}
	tokens, err := auth.ParseStaticTokens(spec)
	if err != nil {
		return nil, err
	}
	return auth.NewStaticValidator(tokens), nil
}

// buildSink selects the audit sink from AUDIT_SINK: redis, log, or nop
// (default log).
func buildSink(logger zerolog.Logger) (audit.Sink, error) {
	switch os.Getenv("AUDIT_SINK") {
	case "redis":
		return audit.NewRedisSink(audit.RedisConfigFromEnv(), logger), nil
	case "nop":
		return audit.Nop{}, nil
	default:
		return audit.NewLogger(logger), nil
	}
}

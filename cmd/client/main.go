package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/housecall/internal/adapters/capture"
	router "github.com/dkeye/housecall/internal/adapters/http"
	"github.com/dkeye/housecall/internal/adapters/rtc"
	sigclient "github.com/dkeye/housecall/internal/adapters/signal"
	"github.com/dkeye/housecall/internal/adapters/view"
	"github.com/dkeye/housecall/internal/app"
	"github.com/dkeye/housecall/internal/config"
	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	client, err := sigclient.Dial(ctx, cfg.SignalURL)
	if err != nil {
		log.Fatal().Err(err).Msg("signaling unavailable")
	}
	client.Timeout = cfg.RequestTimeout

	recorder := view.NewRecorder(cfg.RecordDir)
	capturer := capture.New(cfg.MediaDir, view.Outputs())

	opts := app.DefaultOptions()
	opts.Room = domain.RoomName(cfg.Room)
	opts.StartCamera = cfg.StartCamera
	opts.StartMike = cfg.StartMike
	opts.SwapSettle = cfg.SwapSettle
	opts.AudioLevelExtID = cfg.AudioLevelExtID
	opts.SpeakingThreshold = cfg.SpeakingThreshold
	opts.OnLevel = func(pid domain.ParticipantID, level int, speaking bool) {
		log.Debug().Str("module", "main").Str("pid", string(pid)).Int("level", level).Bool("speaking", speaking).Msg("audio level")
	}

	newDevice := func() core.Device { return rtc.NewDevice(cfg.ICEServers) }
	sess := app.NewSession(ctx, opts, client, newDevice, capturer, recorder)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(gctx)
	})

	r := router.SetupRouter(gctx, cfg, &router.Controller{
		Session:  sess,
		Recorder: recorder,
		Limiter:  router.NewSwapRateLimiter(cfg.SwapLimit, cfg.SwapInterval),
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := capturer.Watch(gctx, sess.DevicesChanged); err != nil {
			log.Warn().Err(err).Msg("device hot-plug disabled")
		}
		return nil
	})

	g.Go(func() error {
		if err := sess.StartLocalMedia(gctx); err != nil {
			log.Warn().Err(err).Msg("starting without local media")
		}
		return stayJoined(gctx, sess.JoinRoom)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		sess.Close()
		client.Close()
		sess.Wait()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("client stopped")
		os.Exit(1)
	}
	log.Info().Msg("Client exited gracefully")
}

// stayJoined joins once and then blocks until ctx ends. A failed join leaves
// the process up so it can be retried over the control API; only an engine
// that cannot handle the room's codecs is fatal.
func stayJoined(ctx context.Context, join func(context.Context) error) error {
	if err := join(ctx); err != nil {
		if errors.Is(err, core.ErrUnsupportedEnvironment) {
			return err
		}
		log.Error().Err(err).Msg("join failed, waiting for POST /api/join")
	}
	<-ctx.Done()
	return nil
}

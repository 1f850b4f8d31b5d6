package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"audiorelay/blobstore"
	"audiorelay/broker"
	"audiorelay/config"
	"audiorelay/converter"
	"audiorelay/encoder"
	"audiorelay/failures"
	"audiorelay/ingress"
	"audiorelay/logger"
	"audiorelay/notifier"
	"audiorelay/routes"
	"audiorelay/success"
	"audiorelay/utils"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newGatewayCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the HTTP upload gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cc.cfg.ValidateForGateway(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return runGateway(ctx, cc.cfg)
		},
	}
}

func newConverterCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "converter",
		Short: "Consume conversion jobs and extract audio",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cc.cfg.ValidateForConverter(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return runConverter(ctx, cc.cfg)
		},
	}
}

func newNotifierCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "notifier",
		Short: "Consume completion jobs and notify submitters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cc.cfg.ValidateForNotifier(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return runNotifier(ctx, cc.cfg)
		},
	}
}

func newStandaloneCommand(cc *commandContext) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run gateway, converter and notifier in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cc.cfg
			if memory {
				cfg.Broker.Transport = "memory"
			}
			for _, validate := range []func() error{cfg.ValidateForGateway, cfg.ValidateForConverter, cfg.ValidateForNotifier} {
				if err := validate(); err != nil {
					return err
				}
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return runStandalone(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory-broker", false, "Use the in-process broker instead of broker.transport")
	return cmd
}

func runGateway(ctx context.Context, cfg config.Config) error {
	res := &resources{}
	defer res.Close()

	flush, err := initSentry(cfg.Sentry, routes.Version)
	if err != nil {
		return err
	}
	defer flush()

	ledger, err := openLedger(cfg, "gateway", res)
	if err != nil {
		return err
	}
	videos, audio, err := openStores(ctx, cfg, res)
	if err != nil {
		return err
	}
	c, err := newConnector(cfg, "gateway", nil)
	if err != nil {
		return err
	}
	handler, err := buildGateway(ctx, cfg, c, videos, audio, ledger, nil, res)
	if err != nil {
		return err
	}

	go cleanupRoutine(ctx, cfg.Ledger.CleanupInterval(), cfg.Ledger.Retention(), ledger, nil)
	return serveHTTP(ctx, newHTTPServer(cfg, handler))
}

func runConverter(ctx context.Context, cfg config.Config) error {
	res := &resources{}
	defer res.Close()

	flush, err := initSentry(cfg.Sentry, routes.Version)
	if err != nil {
		return err
	}
	defer flush()

	tc, err := encoder.New(encoder.Config{
		Format:      cfg.Converter.Format,
		Bitrate:     cfg.Converter.Bitrate,
		FFmpegPath:  cfg.Converter.FFmpegPath,
		FFprobePath: cfg.Converter.FFprobePath,
		Verify:      cfg.Converter.Verify,
	})
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg, "converter", res)
	if err != nil {
		return err
	}
	videos, audio, err := openStores(ctx, cfg, res)
	if err != nil {
		return err
	}
	w, err := newConverterWorker(cfg, videos, audio, tc, ledger)
	if err != nil {
		return err
	}
	c, err := newConnector(cfg, "converter", nil)
	if err != nil {
		return err
	}

	go cleanupRoutine(ctx, cfg.Ledger.CleanupInterval(), cfg.Ledger.Retention(), ledger, nil)
	logger.Infof("Converter starting: queue=%s, format=%s", cfg.Broker.VideoQueue, cfg.Converter.Format)
	return broker.Serve(ctx, c, cfg.Broker.VideoQueue, w.Handle)
}

func runNotifier(ctx context.Context, cfg config.Config) error {
	res := &resources{}
	defer res.Close()

	flush, err := initSentry(cfg.Sentry, routes.Version)
	if err != nil {
		return err
	}
	defer flush()

	tr, err := notifier.NewTransport(cfg.Notifier)
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg, "notifier", res)
	if err != nil {
		return err
	}
	receipts, err := openReceipts(cfg, res)
	if err != nil {
		return err
	}
	w, err := newNotifierWorker(cfg, tr, receipts, ledger)
	if err != nil {
		return err
	}
	c, err := newConnector(cfg, "notifier", nil)
	if err != nil {
		return err
	}

	go cleanupRoutine(ctx, cfg.Ledger.CleanupInterval(), cfg.Ledger.Retention(), ledger, receipts)
	logger.Infof("Notifier starting: queue=%s, transport=%s", cfg.Broker.AudioQueue, cfg.Notifier.Transport)
	return broker.Serve(ctx, c, cfg.Broker.AudioQueue, w.Handle)
}

// runStandalone shares one ledger and one set of stores between the three
// roles.
func runStandalone(ctx context.Context, cfg config.Config) error {
	res := &resources{}
	defer res.Close()

	flush, err := initSentry(cfg.Sentry, routes.Version)
	if err != nil {
		return err
	}
	defer flush()

	var mem *broker.Memory
	if cfg.Broker.Transport == "memory" {
		mem = broker.NewMemory()
	}
	tc, err := encoder.New(encoder.Config{
		Format:      cfg.Converter.Format,
		Bitrate:     cfg.Converter.Bitrate,
		FFmpegPath:  cfg.Converter.FFmpegPath,
		FFprobePath: cfg.Converter.FFprobePath,
		Verify:      cfg.Converter.Verify,
	})
	if err != nil {
		return err
	}
	tr, err := notifier.NewTransport(cfg.Notifier)
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg, "standalone", res)
	if err != nil {
		return err
	}
	receipts, err := openReceipts(cfg, res)
	if err != nil {
		return err
	}
	videos, audio, err := openStores(ctx, cfg, res)
	if err != nil {
		return err
	}

	conv, err := newConverterWorker(cfg, videos, audio, tc, ledger)
	if err != nil {
		return err
	}
	notify, err := newNotifierWorker(cfg, tr, receipts, ledger)
	if err != nil {
		return err
	}
	connectors := map[string]*broker.Connector{}
	for _, role := range []string{"gateway", "converter", "notifier"} {
		c, err := newConnector(cfg, role, mem)
		if err != nil {
			return err
		}
		connectors[role] = c
	}
	handler, err := buildGateway(ctx, cfg, connectors["gateway"], videos, audio, ledger, receipts, res)
	if err != nil {
		return err
	}

	go cleanupRoutine(ctx, cfg.Ledger.CleanupInterval(), cfg.Ledger.Retention(), ledger, receipts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, newHTTPServer(cfg, handler))
	})
	g.Go(func() error {
		return broker.Serve(gctx, connectors["converter"], cfg.Broker.VideoQueue, conv.Handle)
	})
	g.Go(func() error {
		return broker.Serve(gctx, connectors["notifier"], cfg.Broker.AudioQueue, notify.Handle)
	})
	logger.Infof("Standalone mode started: broker=%s, blob backend=%s", cfg.Broker.Transport, cfg.Blob.Backend)
	return g.Wait()
}

// buildGateway connects the gateway's publisher and returns its router. A
// connection failure after all attempts is returned to the caller as fatal.
func buildGateway(ctx context.Context, cfg config.Config, c *broker.Connector, videos, audio blobstore.Store,
	ledger *failures.Ledger, receipts *success.Receipts, res *resources) (http.Handler, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	session := broker.NewSession(c, conn)
	res.add("broker session", session.Close)

	orch, err := ingress.New(videos, session, cfg.Broker.VideoQueue, faultReporter{ledger: ledger})
	if err != nil {
		return nil, err
	}
	ext, ok := encoder.ExtensionFor(cfg.Converter.Format)
	if !ok {
		return nil, fmt.Errorf("unknown converter format %q", cfg.Converter.Format)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	deps := routes.Deps{
		Submitter: orch,
		Audio:     audio,
		AudioExt:  ext,
		Faults:    ledger,
		Broker:    session,
		Auth: utils.VerifyConfig{
			SecretKey:      []byte(cfg.Gateway.JWTSecret),
			ExpectedIssuer: cfg.Gateway.JWTIssuer,
			ClockSkew:      cfg.Gateway.ClockSkew(),
		},
		MaxUploadBytes: cfg.Gateway.MaxUploadMB << 20,
		AnyMedia:       cfg.Gateway.AnyMedia,
	}
	if receipts != nil {
		deps.Receipts = receipts
	}
	return routes.NewRouter(deps), nil
}

func newHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newConverterWorker(cfg config.Config, videos, audio blobstore.Store, tc converter.Transcoder, ledger *failures.Ledger) (*converter.Worker, error) {
	return converter.New(converter.Options{
		Videos:          videos,
		Audio:           audio,
		Transcoder:      tc,
		CompletionQueue: cfg.Broker.AudioQueue,
		Faults:          faultReporter{ledger: ledger},
		TempDir:         cfg.Converter.TempDir,
	})
}

func newNotifierWorker(cfg config.Config, tr notifier.Transport, receipts *success.Receipts, ledger *failures.Ledger) (*notifier.Worker, error) {
	return notifier.New(notifier.Options{
		Transport: tr,
		Subject:   cfg.Notifier.Subject,
		Body:      cfg.Notifier.Body,
		Receipts:  receipts,
		Faults:    ledger,
	})
}

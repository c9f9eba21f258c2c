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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/alexandrut83/minewatch/config"
	"github.com/alexandrut83/minewatch/ethnode"
	"github.com/alexandrut83/minewatch/miner"
)

const shutdownTimeout = 5 * time.Second

func main() {
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if token, _ := fs.GetString("hash-token"); token != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			logrus.Fatal(err)
		}
		fmt.Println(string(hash))
		return
	}

	v, err := config.New(fs)
	if err != nil {
		logrus.Fatal(err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		logrus.Fatal(err)
	}

	if printConfig, _ := fs.GetBool("print-config"); printConfig {
		out, err := cfg.Dump()
		if err != nil {
			logrus.Fatal(err)
		}
		os.Stdout.Write(out)
		return
	}

	log := newLogger(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("On-demand mining stopped")
	}
}

// run attaches to the node and keeps the controller and status API going
// until a signal arrives or the controller fails.
func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"node":    cfg.Node.URL,
		"network": cfg.Network,
		"version": config.Version,
	}).Info("Connecting to node")

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Node.DialTimeout)
	client, err := ethnode.Dial(dialCtx, cfg.Node.URL,
		ethnode.WithLogger(log),
		ethnode.WithCallTimeout(cfg.Node.CallTimeout),
	)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()
	log.WithField("node", client.URL()).Info("Connected to node")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	controller := miner.NewController(client, miner.Config{
		Threads:     cfg.Miner.Threads,
		CallTimeout: cfg.Node.CallTimeout,
		Logger:      log,
		Metrics:     miner.NewMetrics(reg),
	})

	var srv *http.Server
	if cfg.API.Listen != "" {
		access, err := newAccessLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer access.Sync()

		api := &apiServer{
			controller:  controller,
			nodeURL:     client.URL(),
			network:     cfg.Network,
			blockNumber: client.BlockNumber,
			tokenHash:   []byte(cfg.API.TokenHash),
		}
		srv = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           newRouter(api, reg, cfg.API.CORSOrigins, access),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return controller.Run(gctx)
	})

	if srv != nil {
		g.Go(func() error {
			log.WithField("listen", cfg.API.Listen).Info("Starting status API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("Shutting down...")
		return nil
	}
	return err
}

// pqbd is the broker daemon: it connects to a postgresql cluster, optionally
// provisions the realtime infrastructure, runs the notification dispatch loop
// and serves the tool surface over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "net/http/pprof"

	_ "golang.org/x/net/trace"

	"github.com/sirupsen/logrus"

	"github.com/pqbroker/pqbroker"
	"github.com/pqbroker/pqbroker/ctxutil"
	"github.com/pqbroker/pqbroker/metrics"
)

var (
	configPath      = flag.String("config", "", "path to yaml config file")
	postgresCluster = flag.String("connect", "", "postgresql cluster address")
	httpAddr        = flag.String("addr", "", "listen addr")
	debugAddr       = flag.String("debugaddr", ":7001", "listen debug addr")
	enable          = flag.Bool("enable", false, "provision the broker on startup")
	disable         = flag.Bool("disable", false, "tear the broker down and exit")
)

const gracefulStopMaxWait = 10 * time.Second

func main() {
	flag.Parse()
	if err := run(ctxutil.BackgroundWithSignals()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := logrus.StandardLogger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *postgresCluster != "" {
		cfg.Database.URL = *postgresCluster
	}
	if *httpAddr != "" {
		cfg.Listen.Addr = *httpAddr
	}

	metrics.Init()

	opts := []pqbroker.Option{
		pqbroker.WithLogger(logger),
		pqbroker.WithContext(ctx),
	}
	if cfg.Redactions != "" {
		r, err := pqbroker.DecodeRedactions(cfg.Redactions)
		if err != nil {
			return err
		}
		opts = append(opts, pqbroker.WithFieldRedactions(r))
	}

	broker, err := pqbroker.NewBroker(cfg.Database.URL, opts...)
	if err != nil {
		return err
	}
	defer broker.Close()

	if *disable {
		st, err := broker.Disable(ctx)
		if err != nil {
			return err
		}
		logger.WithField("status", st).Infoln("broker disabled")
		return nil
	}
	if *enable || cfg.Enable != nil {
		st, err := broker.Enable(ctx, cfg.enableOptions())
		if err != nil {
			return err
		}
		logger.WithField("status", st).Infoln("broker enabled")
	}

	go func() {
		if err := broker.DispatchLoop(ctx); err != nil {
			logger.WithError(err).Fatalln("dispatch loop")
		}
	}()
	go http.ListenAndServe(*debugAddr, nil)

	api := newAPI(broker, cfg, logger)
	server := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: api.router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulStopMaxWait)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Errorln("http shutdown")
		}
	}()

	logger.Infoln("listening on", cfg.Listen.Addr, "and", *debugAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

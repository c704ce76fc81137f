// pqbamq subscribes to realtime channels in a postgres cluster and forwards
// their events to an ActiveMQ queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	_ "net/http/pprof"

	"github.com/go-stomp/stomp/v3"
	"github.com/google/gops/agent"
	_ "github.com/kardianos/minwinsvc" // import minwinsvc for windows service support
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/net/trace"

	"github.com/pqbroker/pqbroker"
	"github.com/pqbroker/pqbroker/ctxutil"
)

var (
	postgresCluster = flag.String("connect", "", "postgresql cluster address")
	channels        = flag.String("channels", "", "comma-separated channels to forward")
	rowEvent        = flag.String("event", "*", "row event to subscribe to")
	debugAddr       = flag.String("debugaddr", ":7001", "listen debug addr")
	activeMqAddr    = flag.String("amqaddr", "localhost:61613", "ActiveMq server to send messages to")
	activeMqQueue   = flag.String("amqqueue", "/queue/realtime", "ActiveMq queue to send messages to")
)

func main() {
	flag.Parse()
	if err := run(ctxutil.BackgroundWithSignals()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// starts the gops diagnostics agent
	if err := agent.Listen(agent.Options{
		ShutdownCleanup: true,
	}); err != nil {
		return err
	}

	logger := logrus.StandardLogger()

	conn, err := stomp.Dial("tcp", *activeMqAddr)
	if err != nil {
		return errors.Wrap(err, "stomp dial")
	}
	defer conn.Disconnect()

	broker, err := pqbroker.NewBroker(*postgresCluster, pqbroker.WithLogger(logger), pqbroker.WithContext(ctx))
	if err != nil {
		return err
	}
	defer broker.Close()

	forward := func(n pqbroker.Notification) {
		body, err := json.Marshal(n)
		if err != nil {
			logger.WithError(err).Errorln("marshal notification")
			return
		}
		if err := conn.Send(*activeMqQueue, "application/json", body); err != nil {
			logger.WithError(err).Errorln("send to ActiveMq")
		}
	}

	names := strings.Split(*channels, ",")
	if *channels == "" {
		return errors.New("-channels is required")
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := broker.Subscribe(ctx, name, *rowEvent, nil, forward); err != nil {
			return errors.Wrap(err, fmt.Sprintf("subscribe channel %s", name))
		}
	}

	go http.ListenAndServe(*debugAddr, nil)
	return broker.DispatchLoop(ctx)
}

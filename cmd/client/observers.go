package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/saveenergy/quicperf/internal/api"
	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/internal/metrics"
	"github.com/saveenergy/quicperf/internal/session"
	"github.com/saveenergy/quicperf/internal/websocket"
	"github.com/saveenergy/quicperf/pkg/types"
)

// observers serves the control API, the sample websocket and /metrics next
// to a running probe.
type observers struct {
	srv      *http.Server
	ln       net.Listener
	ws       *websocket.Server
	cancelWS func()
	cancelEx func()
	done     chan struct{}
}

func startObservers(cfg *config.Config, sess *session.Session, exporter *metrics.Exporter, version string) (*observers, error) {
	handler := api.NewHandler(sess)
	handler.SetVersion(version)
	handler.OnConnect(func(info types.ConnectionInfo) {
		exporter.RecordConnect(info.Kind)
	})

	ws := websocket.NewServer()
	ws.SetAllowedOrigins(cfg.AllowedOrigins)

	router := api.NewRouter(handler)
	router.SetAllowedOrigins(cfg.AllowedOrigins)
	router.SetWebSocketHandler(ws.HandleSamples)
	if err := exporter.Registry().Register(collectors.NewGoCollector()); err != nil {
		logging.Warn("register go collector", logging.Field{Key: "error", Value: err})
	}
	router.SetMetricsHandler(exporter.Handler())

	ln, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		ws.Close()
		return nil, err
	}

	wsSamples, cancelWS := sess.Subscribe(16)
	ws.Pump(wsSamples, sess.Active)
	exSamples, cancelEx := sess.Subscribe(16)
	exporter.Pump(exSamples)

	o := &observers{
		srv: &http.Server{
			Handler:           router.SetupRoutes(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:       ln,
		ws:       ws,
		cancelWS: cancelWS,
		cancelEx: cancelEx,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(o.done)
		logging.Info("HTTP observers listening", logging.Field{Key: "address", Value: ln.Addr().String()})
		if err := o.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP observers failed", logging.Field{Key: "error", Value: err})
		}
	}()
	return o, nil
}

func (o *observers) Addr() net.Addr {
	return o.ln.Addr()
}

func (o *observers) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := o.srv.Shutdown(ctx)
	<-o.done
	o.cancelWS()
	o.cancelEx()
	o.ws.Close()
	if err != nil {
		err = multierr.Append(err, o.srv.Close())
	}
	return err
}

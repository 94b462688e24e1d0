package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rudp/internal/xlog"
	"rudp/pkg/rudp"
)

const version = "1.0.0"

func main() {
	addr := flag.String("addr", "0.0.0.0:19132", "address to bind")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve /metrics on, empty to disable")
	flag.Parse()

	xlog.Banner("rudp echo server", version)

	reg := prometheus.NewRegistry()
	sock, err := rudp.BindWithRegistry(*addr, rudp.DefaultConfig(), reg)
	if err != nil {
		xlog.New("main").Fatal("bind %s: %v", *addr, err)
	}
	defer sock.Close()
	xlog.Success("listening on %s", sock.LocalAddr())

	if *metricsAddr != "" {
		xlog.Section("metrics")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				xlog.New("main").Warn("metrics server stopped: %v", err)
			}
		}()
		xlog.Success("metrics on %s/metrics", *metricsAddr)
	}

	xlog.Section("serving")
	go echoLoop(sock)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sig
	xlog.Success("shutting down")
}

// echoLoop bounces every received packet straight back to its sender with
// the same delivery guarantee and stream, the simplest workload that
// exercises every guarantee and the fragmentation path.
func echoLoop(sock *rudp.Socket) {
	log := xlog.New("echo")
	for ev := range sock.Events() {
		switch ev.Kind {
		case rudp.EventPacket:
			sock.Outbound() <- rudp.OutboundPacket{
				Addr:      ev.Addr,
				Payload:   ev.Payload,
				Guarantee: ev.Guarantee,
				StreamID:  ev.StreamID,
			}
		case rudp.EventConnect:
			log.Info("connected addr=%s", ev.Addr)
		case rudp.EventTimeout:
			log.Info("timed out addr=%s", ev.Addr)
		case rudp.EventError:
			log.Warn("error addr=%s err=%v", ev.Addr, ev.Err)
		}
	}
}

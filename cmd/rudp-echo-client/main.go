package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rudp/internal/xlog"
	"rudp/pkg/rudp"
)

const version = "1.0.0"

func main() {
	serverAddr := flag.String("server", "127.0.0.1:19132", "echo server address")
	interval := flag.Duration("interval", 500*time.Millisecond, "ping interval")
	guarantee := flag.Int("guarantee", int(rudp.ReliableOrdered), "delivery guarantee (0-4)")
	flag.Parse()

	xlog.Banner("rudp echo client", version)

	addr, err := net.ResolveUDPAddr("udp", *serverAddr)
	if err != nil {
		xlog.New("main").Fatal("resolve %s: %v", *serverAddr, err)
	}

	sock, err := rudp.Bind("0.0.0.0:0", rudp.DefaultConfig())
	if err != nil {
		xlog.New("main").Fatal("bind: %v", err)
	}
	defer sock.Close()
	xlog.Success("bound %s, pinging %s", sock.LocalAddr(), addr)

	log := xlog.New("client")
	go func() {
		for ev := range sock.Events() {
			switch ev.Kind {
			case rudp.EventPacket:
				log.Info("echo reply: %q (rtt guarantee=%d)", ev.Payload, ev.Guarantee)
			case rudp.EventConnect:
				log.Info("connected")
			case rudp.EventTimeout:
				log.Warn("server timed out")
			case rudp.EventError:
				log.Warn("error: %v", ev.Err)
			}
		}
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	n := 0
	for {
		select {
		case <-ticker.C:
			n++
			sock.Outbound() <- rudp.OutboundPacket{
				Addr:      addr,
				Guarantee: rudp.Guarantee(*guarantee),
				Payload:   []byte("ping " + time.Now().Format(time.RFC3339Nano)),
			}
			_ = n
		case <-sig:
			xlog.Success("shutting down")
			return
		}
	}
}

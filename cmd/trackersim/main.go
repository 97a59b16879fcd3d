package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"slimetracker-go/pkg/log"
	"slimetracker-go/pkg/simserver"
)

func parseTargets(list string) ([]*net.UDPAddr, error) {
	var out []*net.UDPAddr
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp4", s)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func main() {
	port := flag.Int("port", 0, "UDP port for the server to listen on (0 for system-assigned)")
	targets := flag.String("targets", "255.255.255.255:6969", "Comma-separated tracker addresses to discover")
	discovery := flag.Duration("discovery", time.Second, "Interval between discovery probes")
	heartbeat := flag.Duration("heartbeat", 800*time.Millisecond, "Heartbeat interval for connected trackers")
	ping := flag.Duration("ping", 2*time.Second, "Ping interval for connected trackers (0 disables)")
	expiry := flag.Duration("expiry", 5*time.Second, "Forget trackers silent for this long")
	report := flag.Duration("report", 5*time.Second, "Interval between tracker summaries")
	debug := flag.Bool("debug", false, "Log every dropped packet")
	flag.Parse()

	log.SetStd()
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log.SetLevel(level)

	addrs, err := parseTargets(*targets)
	if err != nil {
		log.Fatalf("Invalid targets: %v", err)
	}

	cfg := simserver.DefaultConfig()
	cfg.ListenPort = *port
	cfg.Targets = addrs
	cfg.DiscoveryInterval = *discovery
	cfg.HeartbeatInterval = *heartbeat
	cfg.ExpiryDuration = *expiry
	cfg.Logger = log.Component("simserver")

	srv := simserver.New(cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Tracking server simulator is running on %s", srv.LocalAddr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	pingC := make(<-chan time.Time)
	if *ping > 0 {
		t := time.NewTicker(*ping)
		defer t.Stop()
		pingC = t.C
	}
	reportTicker := time.NewTicker(*report)
	defer reportTicker.Stop()

	for {
		select {
		case <-pingC:
			for _, t := range srv.Trackers() {
				if addr, err := net.ResolveUDPAddr("udp4", t.Addr); err == nil {
					_ = srv.Ping(addr)
				}
			}
		case <-reportTicker.C:
			for _, t := range srv.Trackers() {
				log.Info().Str("tracker", t.Addr).Str("mac", t.HardwareAddr).Int("sensors", len(t.Sensors)).
					Uint64("accel", t.AccelSamples).Float32("battery", t.BatteryLevel).Int8("rssi", t.RSSI).
					Dur("rtt", t.LastRTT).Msg("tracker")
			}
			st := srv.Stats()
			log.Info().Uint64("recv", st.PacketsRecv).Uint64("sent", st.PacketsSent).
				Uint64("dropped", st.PacketsDropped).Uint64("handshakes", st.Handshakes).Msg("server stats")
		case sig := <-sigChan:
			log.Printf("Received signal %s, shutting down.", sig)
			srv.Close()
			return
		}
	}
}

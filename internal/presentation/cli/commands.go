// Package cli is the presentation layer (the embedder's process entry
// point): flag parsing plus the signal-driven start/stop loop.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"cam2tv/internal/application"
	"cam2tv/internal/domain"
)

// Config is the parsed command-line configuration.
type Config struct {
	Addr               string
	Lens               string
	JPEGQuality        int
	RouterInterval     time.Duration
	StunURL            string
	DeviceName         string
	Discovery          bool
	Debug              bool
	NegotiationTimeout time.Duration
}

// ParseFlags parses os.Args into a Config.
func ParseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Addr, "addr", ":8080", "HTTP/WebSocket listen address")
	flag.StringVar(&cfg.Lens, "lens", "back", "initial camera lens (front|back)")
	flag.IntVar(&cfg.JPEGQuality, "jpeg-quality", 45, "JPEG fallback encode quality (1-100)")
	flag.DurationVar(&cfg.RouterInterval, "router-interval", 100*time.Millisecond, "minimum inter-frame interval handed to consumers")
	flag.StringVar(&cfg.StunURL, "stun-url", "", "override the STUN server URL (blank keeps the default)")
	flag.StringVar(&cfg.DeviceName, "device-name", "cam2tv", "device name advertised by discovery broadcasts")
	flag.BoolVar(&cfg.Discovery, "discovery", true, "broadcast UDP discovery announcements")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", 5*time.Second, "how long to wait for the sink's SDP answer before falling back to JPEG")

	flag.Parse()
	return cfg
}

// ParseLens maps the -lens flag to a domain.Lens, defaulting to Back on
// any unrecognized value.
func (c *Config) ParseLens() domain.Lens {
	if c.Lens == "front" {
		return domain.Front
	}
	return domain.Back
}

// CLI drives the controller's lifecycle from the process's signal
// handling.
type CLI struct {
	controller *application.Controller
	log        application.Logger
	config     *Config
}

// NewCLI builds a CLI bound to an already-wired Controller.
func NewCLI(controller *application.Controller, log application.Logger, config *Config) *CLI {
	return &CLI{controller: controller, log: log, config: config}
}

// Run starts the pipeline, blocks until an interrupt signal (os.Interrupt)
// arrives, then stops it cleanly.
func (c *CLI) Run() error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	ctx := context.Background()
	if err := c.controller.Start(ctx, c.config.ParseLens()); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	go c.logStatus(ctx)

	<-interrupt
	c.log.Info("cli: interrupt received, shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.controller.Stop(stopCtx)
}

// logStatus drains the controller's status channel and logs each
// transition, giving an operator something to watch on stdout.
func (c *CLI) logStatus(ctx context.Context) {
	for ev := range c.controller.Subscribe() {
		if ev.Err != nil {
			c.log.Warn("status: state=%s mode=%s sink_connected=%v err=%v", ev.State, ev.Mode, ev.SinkConnected, ev.Err)
			continue
		}
		c.log.Debug("status: state=%s mode=%s sink_connected=%v", ev.State, ev.Mode, ev.SinkConnected)
	}
}

// Command cam2tv runs the source-device pipeline: camera capture, frame
// routing, WebRTC peer negotiation with an HTTP/WebSocket/SSE fallback
// signaling server, and the optional UDP discovery announcer, wired
// together behind the pipeline controller.
package main

import (
	"log"

	"cam2tv/internal/application"
	"cam2tv/internal/infrastructure/camera"
	"cam2tv/internal/infrastructure/discovery"
	"cam2tv/internal/infrastructure/jpegenc"
	"cam2tv/internal/infrastructure/logger"
	"cam2tv/internal/infrastructure/peer"
	"cam2tv/internal/infrastructure/router"
	"cam2tv/internal/infrastructure/signaling"
	"cam2tv/internal/presentation/cli"
)

func main() {
	config := cli.ParseFlags()
	stdLogger := logger.NewStdLogger(config.Debug)

	cameraSource := camera.New(stdLogger)
	frameRouter := router.New(stdLogger, config.RouterInterval)
	jpegEncoder := jpegenc.New(stdLogger, config.JPEGQuality)
	signalingServer := signaling.New(stdLogger, config.Addr)
	peerFactory := peer.NewFactory(stdLogger, config.StunURL)

	cameraSource.SetFrameConsumer(frameRouter)

	var discoverer application.Discoverer
	if config.Discovery {
		discoverer = discovery.New(stdLogger, httpPort(config.Addr), config.DeviceName)
	}

	controller := application.NewController(
		stdLogger,
		cameraSource,
		frameRouter,
		jpegEncoder,
		signalingServer,
		peerFactory,
		nil, // no platform wake-lock in this embedder
		discoverer,
		config.NegotiationTimeout,
	)

	app := cli.NewCLI(controller, stdLogger, config)
	if err := app.Run(); err != nil {
		log.Fatalf("cam2tv: %v", err)
	}
}

// httpPort extracts the numeric port from a "host:port" or ":port"
// listen address for the discovery announcement payload.
func httpPort(addr string) int {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			for _, d := range addr[i+1:] {
				if d < '0' || d > '9' {
					return 8080
				}
				port = port*10 + int(d-'0')
			}
			if port == 0 {
				return 8080
			}
			return port
		}
	}
	return 8080
}

package logger_test

import (
	"fmt"
	"os"

	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("bridge started", "device_id", "a1b2c3d4e5f60718")
	log.Warn("broker disconnected", "error", "connection reset")
	log.Error("rtsp connect failed", "error", "connection timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugRTSP)
	cfg.EnableCategory(logger.DebugSource)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugRTSP("describe complete", "media_count", 1)
	log.DebugSource("watchdog tick", "active_clients", 2)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// fs := flag.NewFlagSet("bridge", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/bridge/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "bridge.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("bridge.json")

	log.Info("status published",
		"device_id", "a1b2c3d4e5f60718",
		"status", "alive")

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"status published","device_id":"a1b2c3d4e5f60718","status":"alive"}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugWebRTC)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Category methods automatically check if enabled, zero cost if disabled.
	log.DebugWebRTC("ice gathering complete", "viewer_id", "viewerA")
}

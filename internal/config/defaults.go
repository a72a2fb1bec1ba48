package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	defaultCaptureBackend = "ffmpeg"
	defaultWidth          = 640
	defaultHeight         = 480
	defaultWarmup         = 10 * time.Second
	defaultMaxFrameAge    = time.Second

	defaultMatchingBackend = "python"
	defaultModel           = "ArcFace"
	defaultDetector        = "opencv"
	defaultWorkerScript    = "python/verify_worker.py"
	defaultPython          = "python3"
	defaultHTTPURL         = "http://localhost:5005"
	defaultRequestTimeout  = 30 * time.Second
	defaultWorstDistance   = 10.0

	defaultTick          = 33 * time.Millisecond
	defaultInterval      = 30
	defaultShutdownGrace = 5 * time.Second

	defaultDisplayBackend = "window"
	defaultHTTPBind       = "127.0.0.1:8090"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Capture: Capture{
			Backend:       defaultCaptureBackend,
			Width:         defaultWidth,
			Height:        defaultHeight,
			WarmupTimeout: Duration(defaultWarmup),
			MaxFrameAge:   Duration(defaultMaxFrameAge),
		},
		Matching: Matching{
			Backend:        defaultMatchingBackend,
			Model:          defaultModel,
			Detector:       defaultDetector,
			Engines:        1,
			WorkerScript:   defaultWorkerScript,
			Python:         defaultPython,
			HTTPURL:        defaultHTTPURL,
			RequestTimeout: Duration(defaultRequestTimeout),
			WorstDistance:  defaultWorstDistance,
		},
		Dispatch: Dispatch{
			Tick:          Duration(defaultTick),
			Interval:      defaultInterval,
			ShutdownGrace: Duration(defaultShutdownGrace),
		},
		Display: Display{
			Backend:  defaultDisplayBackend,
			HTTPBind: defaultHTTPBind,
			Scale:    1.0,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		Runtime: Runtime{
			LockFile: defaultLockFile(),
		},
	}
}

func defaultLockFile() string {
	return filepath.Join(os.TempDir(), "camwatch.lock")
}

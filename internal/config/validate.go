package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateIdentities(); err != nil {
		return err
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validateMatching(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateDisplay(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateIdentities() error {
	if len(c.Identities) == 0 {
		return errors.New("identities must list at least one name and reference image (create a config with 'camwatch config init')")
	}
	seen := make(map[string]struct{}, len(c.Identities))
	for i, id := range c.Identities {
		if id.Name == "" {
			return fmt.Errorf("identities[%d].name must be set", i)
		}
		if id.Reference == "" {
			return fmt.Errorf("identities[%d].reference must be set for %q", i, id.Name)
		}
		if _, dup := seen[id.Name]; dup {
			return fmt.Errorf("identities[%d].name %q is listed twice", i, id.Name)
		}
		seen[id.Name] = struct{}{}
	}
	return nil
}

func (c *Config) validateCapture() error {
	switch c.Capture.Backend {
	case "ffmpeg", "opencv":
	default:
		return fmt.Errorf("capture.backend must be ffmpeg or opencv, got %q", c.Capture.Backend)
	}
	if len(c.Capture.Sources) == 0 {
		return errors.New("capture.sources must list at least one camera")
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return errors.New("capture.width and capture.height must be positive")
	}
	if c.Capture.WarmupTimeout < 0 {
		return errors.New("capture.warmup_timeout must not be negative")
	}
	if c.Capture.MaxFrameAge < 0 {
		return errors.New("capture.max_frame_age must not be negative")
	}
	return nil
}

func (c *Config) validateMatching() error {
	switch c.Matching.Backend {
	case "python":
		if c.Matching.WorkerScript == "" {
			return errors.New("matching.worker_script must be set for the python backend")
		}
	case "http":
		u, err := url.Parse(c.Matching.HTTPURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("matching.http_url must be an absolute URL, got %q", c.Matching.HTTPURL)
		}
	default:
		return fmt.Errorf("matching.backend must be python or http, got %q", c.Matching.Backend)
	}
	if c.Matching.Model == "" {
		return errors.New("matching.model must be set")
	}
	if c.Matching.Engines < 1 {
		return errors.New("matching.engines must be at least 1")
	}
	if c.Matching.RequestTimeout <= 0 {
		return errors.New("matching.request_timeout must be positive")
	}
	if c.Matching.WorstDistance <= 0 {
		return errors.New("matching.worst_distance must be positive")
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if c.Dispatch.Tick <= 0 {
		return errors.New("dispatch.tick must be positive")
	}
	if c.Dispatch.Interval < 1 {
		return errors.New("dispatch.interval must be at least 1")
	}
	if c.Dispatch.ShutdownGrace < 0 {
		return errors.New("dispatch.shutdown_grace must not be negative")
	}
	return nil
}

func (c *Config) validateDisplay() error {
	switch c.Display.Backend {
	case "window", "none":
	case "http":
		if _, _, err := net.SplitHostPort(c.Display.HTTPBind); err != nil {
			return fmt.Errorf("display.http_bind must be host:port: %w", err)
		}
	default:
		return fmt.Errorf("display.backend must be window, http or none, got %q", c.Display.Backend)
	}
	if c.Display.Scale <= 0 || c.Display.Scale > 4 {
		return errors.New("display.scale must be in (0, 4]")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

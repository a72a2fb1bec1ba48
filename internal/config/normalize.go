package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize(baseDir string) error {
	if err := c.normalizeIdentities(baseDir); err != nil {
		return err
	}
	c.normalizeCapture()
	if err := c.normalizeMatching(); err != nil {
		return err
	}
	c.normalizeDisplay()
	return c.normalizeLogging()
}

func (c *Config) normalizeIdentities(baseDir string) error {
	for i := range c.Identities {
		id := &c.Identities[i]
		id.Name = strings.TrimSpace(id.Name)
		ref := strings.TrimSpace(id.Reference)
		if ref == "" {
			continue
		}
		if baseDir != "" && !strings.HasPrefix(ref, "~") && !filepath.IsAbs(ref) {
			ref = filepath.Join(baseDir, ref)
		}
		var err error
		if id.Reference, err = expandPath(ref); err != nil {
			return fmt.Errorf("identities[%d].reference: %w", i, err)
		}
	}
	return nil
}

func (c *Config) normalizeCapture() {
	c.Capture.Backend = strings.ToLower(strings.TrimSpace(c.Capture.Backend))
	if c.Capture.Backend == "" {
		c.Capture.Backend = defaultCaptureBackend
	}
	sources := c.Capture.Sources[:0]
	for _, s := range c.Capture.Sources {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, s)
		}
	}
	c.Capture.Sources = sources
}

func (c *Config) normalizeMatching() error {
	c.Matching.Backend = strings.ToLower(strings.TrimSpace(c.Matching.Backend))
	if c.Matching.Backend == "" {
		c.Matching.Backend = defaultMatchingBackend
	}
	c.Matching.Model = strings.TrimSpace(c.Matching.Model)
	c.Matching.Detector = strings.TrimSpace(c.Matching.Detector)
	c.Matching.Python = strings.TrimSpace(c.Matching.Python)
	if c.Matching.Python == "" {
		c.Matching.Python = defaultPython
	}
	c.Matching.HTTPURL = strings.TrimRight(strings.TrimSpace(c.Matching.HTTPURL), "/")
	if script := strings.TrimSpace(c.Matching.WorkerScript); strings.HasPrefix(script, "~") {
		expanded, err := expandPath(script)
		if err != nil {
			return fmt.Errorf("matching.worker_script: %w", err)
		}
		c.Matching.WorkerScript = expanded
	} else {
		c.Matching.WorkerScript = script
	}
	return nil
}

func (c *Config) normalizeDisplay() {
	c.Display.Backend = strings.ToLower(strings.TrimSpace(c.Display.Backend))
	if c.Display.Backend == "" {
		c.Display.Backend = defaultDisplayBackend
	}
	c.Display.HTTPBind = strings.TrimSpace(c.Display.HTTPBind)
	if c.Display.HTTPBind == "" {
		c.Display.HTTPBind = defaultHTTPBind
	}
	if c.Display.Scale == 0 {
		c.Display.Scale = 1.0
	}
}

func (c *Config) normalizeLogging() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	var err error
	if c.Logging.File, err = expandPath(strings.TrimSpace(c.Logging.File)); err != nil {
		return fmt.Errorf("logging.file: %w", err)
	}
	if c.Runtime.LockFile = strings.TrimSpace(c.Runtime.LockFile); c.Runtime.LockFile == "" {
		c.Runtime.LockFile = defaultLockFile()
	}
	return nil
}

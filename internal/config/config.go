// File: internal/config/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package config loads the server's plain key=value configuration file:
// one entry per line, '#' comments, surrounding whitespace trimmed.

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/momentics/filecache/internal/ioerrors"
)

// requiredKeys must all be present; Load fails with ErrConfiguration when
// any is absent.
var requiredKeys = []string{
	"logfiledir",
	"logfilename",
	"filecachedir",
	"listenip",
	"listenport",
}

// Config is a typed view over the raw key=value entries.
type Config struct {
	LogFileDir   string
	LogFileName  string
	FileCacheDir string
	ListenIP     string
	ListenPort   int
	ReusePort    bool
	NumLoops     int
	PinWorkers   bool

	raw map[string]string
}

// Get returns the raw string value of key, and whether it was present.
func (c *Config) Get(key string) (string, bool) {
	v, ok := c.raw[key]
	return v, ok
}

// Load parses path: UTF-8 text, one entry per line, "key = value", "#"
// starts a comment to end of line, leading and trailing whitespace trimmed.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ioerrors.ErrConfiguration, path, err)
	}
	defer f.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		raw[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ioerrors.ErrConfiguration, path, err)
	}

	for _, k := range requiredKeys {
		if _, ok := raw[k]; !ok {
			return nil, fmt.Errorf("%w: missing required key %q", ioerrors.ErrConfiguration, k)
		}
	}

	port, err := strconv.Atoi(raw["listenport"])
	if err != nil {
		return nil, fmt.Errorf("%w: listenport %q is not an integer", ioerrors.ErrConfiguration, raw["listenport"])
	}

	cfg := &Config{
		LogFileDir:   raw["logfiledir"],
		LogFileName:  raw["logfilename"],
		FileCacheDir: raw["filecachedir"],
		ListenIP:     raw["listenip"],
		ListenPort:   port,
		raw:          raw,
	}

	if v, ok := raw["reuseport"]; ok {
		cfg.ReusePort, _ = strconv.ParseBool(v)
	}
	cfg.NumLoops = 4
	if v, ok := raw["numloops"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.NumLoops = n
		}
	}
	if v, ok := raw["pinworkers"]; ok {
		cfg.PinWorkers, _ = strconv.ParseBool(v)
	}

	return cfg, nil
}

package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GlobalPath returns the path of the global config file.
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "pulse", "config.json"), nil
}

// GlobalExists reports whether a global config file is present on disk.
func GlobalExists() bool {
	p, err := GlobalPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// SaveGlobal writes cfg to the global config file, creating its directory if
// needed. The file may hold an API key, so it is readable by the owner only.
func SaveGlobal(cfg *Config) error {
	p, err := GlobalPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o600)
}

// RunSetup prompts for the settings most users change, reading answers from
// in. Each prompt defaults to the value in existing, or the built-in default.
// Running out of input accepts the remaining defaults.
func RunSetup(in io.Reader, out io.Writer, existing *Config) (*Config, error) {
	r := bufio.NewReader(in)

	ask := func(prompt, defaultVal string) (string, error) {
		if defaultVal != "" {
			fmt.Fprintf(out, "%s [%s]: ", prompt, defaultVal)
		} else {
			fmt.Fprintf(out, "%s: ", prompt)
		}
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return defaultVal, nil
		}
		return line, nil
	}

	cfg := Defaults()
	if existing != nil {
		overlay(&cfg, existing)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  ┌─────────────────────────────────┐")
	fmt.Fprintln(out, "  │      pulse — client setup       │")
	fmt.Fprintln(out, "  └─────────────────────────────────┘")
	fmt.Fprintln(out)

	var err error
	if cfg.Endpoint, err = ask("  Collector endpoint", cfg.Endpoint); err != nil {
		return nil, err
	}
	if cfg.APIKey, err = ask("  API key", cfg.APIKey); err != nil {
		return nil, err
	}

	storage, err := ask("  Storage (disk/memory/badger/redis)", cfg.Storage)
	if err != nil {
		return nil, err
	}
	cfg.Storage = strings.ToLower(storage)
	if cfg.Storage == "redis" {
		if cfg.RedisURL, err = ask("  Redis URL", cfg.RedisURL); err != nil {
			return nil, err
		}
	}

	batch, err := ask("  Events per batch", strconv.Itoa(cfg.BatchSize))
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = strconv.Atoi(batch); err != nil {
		return nil, fmt.Errorf("events per batch: %w", err)
	}

	fmt.Fprintln(out)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

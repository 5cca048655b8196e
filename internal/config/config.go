// Package config loads the YAML machine description used to assemble the
// legacy PC device layer.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMemoryMB   = 64
	DefaultPICClockHz = 1000
	DefaultPITTick    = time.Millisecond

	// maxConfigSize bounds the file read by Load.
	maxConfigSize = 1 << 20
)

// Config describes one machine.
type Config struct {
	// CDROM is the ISO image attached as the ATAPI unit (drive 0).
	CDROM string `yaml:"cdrom"`
	// Disk is the raw image attached as the ATA hard disk (drive 1).
	Disk string `yaml:"disk"`

	MemoryMB   uint64        `yaml:"memory_mb,omitempty"`
	PICClockHz int           `yaml:"pic_clock_hz,omitempty"`
	PITTick    time.Duration `yaml:"pit_tick,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
	// InterruptsEnabled is the initial interrupt-flag state reported by
	// hosts that do not model a CPU.
	InterruptsEnabled bool `yaml:"interrupts_enabled"`
}

// Default returns a configuration with every optional field populated.
// The image paths are left empty.
func Default() Config {
	return Config{
		MemoryMB:          DefaultMemoryMB,
		PICClockHz:        DefaultPICClockHz,
		PITTick:           DefaultPITTick,
		LogLevel:          "info",
		InterruptsEnabled: true,
	}
}

// Load reads path from fs, applies defaults for omitted fields and
// validates the result against fs.
func Load(fs afero.Fs, path string) (Config, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("config: %s is %d bytes, limit is %d", path, info.Size(), maxConfigSize)
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(fs); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration. Image paths are resolved against fs
// when it is non-nil.
func (c Config) Validate(fs afero.Fs) error {
	var errs []error
	if c.CDROM == "" {
		errs = append(errs, errors.New("cdrom image path is required"))
	}
	if c.Disk == "" {
		errs = append(errs, errors.New("disk image path is required"))
	}
	if c.MemoryMB == 0 {
		errs = append(errs, errors.New("memory_mb must be positive"))
	}
	if c.PICClockHz <= 0 {
		errs = append(errs, fmt.Errorf("pic_clock_hz must be positive, got %d", c.PICClockHz))
	}
	if c.PITTick <= 0 {
		errs = append(errs, fmt.Errorf("pit_tick must be positive, got %s", c.PITTick))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if fs != nil {
		for _, img := range []struct{ name, path string }{{"cdrom", c.CDROM}, {"disk", c.Disk}} {
			if img.path == "" {
				continue
			}
			info, err := fs.Stat(img.path)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("%s image: %w", img.name, err))
			case info.IsDir():
				errs = append(errs, fmt.Errorf("%s image %s is a directory", img.name, img.path))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MemoryBytes is the guest RAM size in bytes.
func (c Config) MemoryBytes() uint64 { return c.MemoryMB << 20 }

// SlogLevel maps LogLevel onto a slog.Level. An empty level is Info.
func (c Config) SlogLevel() (slog.Level, error) {
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

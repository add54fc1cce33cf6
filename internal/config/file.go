package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the command line flags. Nil fields were not present in
// the file.
type FileConfig struct {
	Count       *uint          `yaml:"count"`
	Interval    *time.Duration `yaml:"interval"`
	MaxHops     *uint          `yaml:"max_hops"`
	Timeout     *time.Duration `yaml:"timeout"`
	Numeric     *bool          `yaml:"numeric"`
	EMAAlpha    *float64       `yaml:"ema_alpha"`
	Protocol    *string        `yaml:"protocol"`
	ForceIPv4   *bool          `yaml:"ipv4"`
	ForceIPv6   *bool          `yaml:"ipv6"`
	InitialHops *uint          `yaml:"initial_hops"`
	UnknownHops *uint          `yaml:"unknown_hops"`
	Report      *bool          `yaml:"report"`
	Fields      *string        `yaml:"fields"`
	JsonFile    *string        `yaml:"json_file"`
	Simulate    *bool          `yaml:"simulate"`
	Nameserver  *string        `yaml:"nameserver"`
	MetricsAddr *string        `yaml:"metrics_addr"`
	NATS        struct {
		URL     *string `yaml:"url"`
		Subject *string `yaml:"subject"`
	} `yaml:"nats"`
	Log      *string `yaml:"log"`
	LogLevel *string `yaml:"log_level"`
}

// LoadFile reads a YAML config file. Unknown keys are an error.
func LoadFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var fc FileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func fromFile[T any](fs *flag.FlagSet, name string, dst *T, v *T) {
	if v != nil && !fs.Changed(name) {
		*dst = *v
	}
}

// applyFile copies every value set in fc unless the matching flag was given
// on the command line.
func (a *Args) applyFile(fs *flag.FlagSet, fc *FileConfig) {
	fromFile(fs, "count", &a.Count, fc.Count)
	fromFile(fs, "interval", &a.Interval, fc.Interval)
	fromFile(fs, "max-hops", &a.MaxHops, fc.MaxHops)
	fromFile(fs, "timeout", &a.Timeout, fc.Timeout)
	fromFile(fs, "numeric", &a.Numeric, fc.Numeric)
	fromFile(fs, "ema-alpha", &a.EMAAlpha, fc.EMAAlpha)
	fromFile(fs, "protocol", &a.Protocol, fc.Protocol)
	fromFile(fs, "ipv4", &a.ForceIPv4, fc.ForceIPv4)
	fromFile(fs, "ipv6", &a.ForceIPv6, fc.ForceIPv6)
	fromFile(fs, "initial-hops", &a.InitialHops, fc.InitialHops)
	fromFile(fs, "unknown-hops", &a.UnknownHops, fc.UnknownHops)
	fromFile(fs, "report", &a.Report, fc.Report)
	fromFile(fs, "fields", &a.Fields, fc.Fields)
	fromFile(fs, "json-file", &a.JsonFile, fc.JsonFile)
	fromFile(fs, "simulate", &a.Simulate, fc.Simulate)
	fromFile(fs, "nameserver", &a.Nameserver, fc.Nameserver)
	fromFile(fs, "metrics-addr", &a.MetricsAddr, fc.MetricsAddr)
	fromFile(fs, "nats-url", &a.NATSURL, fc.NATS.URL)
	fromFile(fs, "nats-subject", &a.NATSSubject, fc.NATS.Subject)
	fromFile(fs, "log", &a.Log, fc.Log)
	fromFile(fs, "log-level", &a.LogLevel, fc.LogLevel)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/tkjaer/mtrng/internal/output"
	"github.com/tkjaer/mtrng/internal/version"
)

// Probes older than this are dropped from the sequence table, so a timeout
// at or beyond it could never fire.
const staleWindow = 5 * time.Second

// reportCount is the round count used by report mode when none is given.
const reportCount = 10

type Args struct {
	Destination string
	Count       uint
	Interval    time.Duration
	MaxHops     uint
	Timeout     time.Duration
	Numeric     bool
	EMAAlpha    float64

	// Protocol and address family
	Protocol  string
	ForceIPv4 bool
	ForceIPv6 bool

	// Discovery
	InitialHops uint
	UnknownHops uint

	// Output
	Report     bool
	Fields     string
	Json       bool   // output json to stdout
	JsonFile   string // output json to file while showing TUI
	Simulate   bool
	Nameserver string

	// Export
	MetricsAddr string
	NATSURL     string
	NATSSubject string

	ConfigFile string

	// Logging
	Log      string // log file path, empty means no logging
	LogLevel string // log level: debug, info, warn, error
}

func ParseArgs() (Args, error) {
	var args Args
	var showVersion bool

	flag.Usage = func() {
		println("mtrng - live ICMP path probe")
		println()
		println("Probes every hop towards a destination once per interval and keeps")
		println("per-hop loss, latency and jitter statistics.")
		println()
		println("Usage:")
		println("  mtrng [OPTIONS] DESTINATION")
		println()
		println("Examples:")
		println("  mtrng <destination>                  # Live view")
		println("  mtrng -r -c 20 <destination>         # Report after 20 rounds")
		println("  mtrng -J <destination>               # JSON line per round to stdout")
		println("  mtrng -S 203.0.113.7                 # Simulated network, no privileges")
		println()
		println("Options:")
		flag.PrintDefaults()
	}

	flag.BoolVarP(&showVersion, "version", "v", false, "Show version information")
	flag.UintVarP(&args.Count, "count", "c", 0, "Number of rounds (0 = infinite, report mode defaults to 10)")
	flag.DurationVarP(&args.Interval, "interval", "i", time.Second, "Time between rounds")
	flag.UintVarP(&args.MaxHops, "max-hops", "M", 30, "Maximum number of hops")
	flag.DurationVarP(&args.Timeout, "timeout", "t", 200*time.Millisecond, "Per-probe response timeout")
	flag.BoolVarP(&args.Numeric, "numeric", "n", false, "Do not resolve addresses to hostnames")
	flag.Float64Var(&args.EMAAlpha, "ema-alpha", 0.1, "Smoothing factor of the RTT moving average, 0 to 1")
	flag.StringVarP(&args.Protocol, "protocol", "P", "icmp", "Probe protocol: icmp, udp or tcp (udp and tcp send ICMP echo)")
	flag.BoolVarP(&args.ForceIPv4, "ipv4", "4", false, "Force IPv4")
	flag.BoolVarP(&args.ForceIPv6, "ipv6", "6", false, "Force IPv6")
	flag.UintVar(&args.InitialHops, "initial-hops", 10, "Hops probed in the first round")
	flag.UintVar(&args.UnknownHops, "unknown-hops", 5, "Silent hops probed beyond the furthest responder")
	flag.BoolVarP(&args.Report, "report", "r", false, "Print a static report after --count rounds")
	flag.StringVar(&args.Fields, "fields", "all", "Report columns: loss,sent,last,avg,ema,jitter,javg,best,worst,stddev")
	flag.BoolVarP(&args.Json, "json", "J", false, "Write JSON output to stdout (disables TUI)")
	flag.StringVarP(&args.JsonFile, "json-file", "j", "", "Write JSON output to file (keeps TUI)")
	flag.BoolVarP(&args.Simulate, "simulate", "S", false, "Probe a simulated network instead of the real one")
	flag.StringVar(&args.Nameserver, "nameserver", "", "DNS server for reverse lookups (host[:port])")
	flag.StringVar(&args.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics and snapshots on this address")
	flag.StringVar(&args.NATSURL, "nats-url", "", "Publish round snapshots to this NATS server")
	flag.StringVar(&args.NATSSubject, "nats-subject", output.DefaultNATSSubject, "NATS subject for round snapshots")
	flag.StringVar(&args.ConfigFile, "config", "", "YAML config file; flags given on the command line take precedence")
	flag.StringVarP(&args.Log, "log", "l", "", "Diagnostic log file (empty = no logging)")
	flag.StringVar(&args.LogLevel, "log-level", "error", "Log level: debug, info, warn, error")
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return args, err
	}

	if showVersion {
		fmt.Println(version.FullVersion())
		os.Exit(0)
	}

	if args.ConfigFile != "" {
		fc, err := LoadFile(args.ConfigFile)
		if err != nil {
			return args, err
		}
		args.applyFile(flag.CommandLine, fc)
	}

	args.Destination = flag.Arg(0)
	if args.Destination == "" {
		return args, errors.New("destination is required")
	}
	args.Protocol = strings.ToLower(args.Protocol)

	if err := args.validate(); err != nil {
		return args, err
	}

	if args.Report && args.Count == 0 {
		args.Count = reportCount
	}
	return args, nil
}

func (a Args) validate() error {
	switch {
	case a.Json && a.JsonFile != "":
		return errors.New("cannot use both --json and --json-file")
	case a.ForceIPv6 && a.ForceIPv4:
		return errors.New("cannot force both IPv4 and IPv6")
	case a.Report && a.Json:
		return errors.New("cannot use both --report and --json")
	case a.EMAAlpha < 0 || a.EMAAlpha > 1:
		return errors.New("EMA alpha must be between 0 and 1")
	case a.MaxHops < 1 || a.MaxHops > 255:
		return errors.New("maximum hops must be between 1 and 255")
	case a.InitialHops < 1:
		return errors.New("initial hops must be at least 1")
	case a.Interval <= 0:
		return errors.New("interval must be positive")
	case a.Timeout <= 0:
		return errors.New("timeout must be positive")
	case a.Timeout >= staleWindow:
		return fmt.Errorf("timeout must be less than %s", staleWindow)
	}

	switch a.Protocol {
	case "icmp", "udp", "tcp":
	default:
		return fmt.Errorf("unknown protocol %q: must be icmp, udp or tcp", a.Protocol)
	}

	if _, err := output.ParseFields(a.Fields); err != nil {
		return err
	}
	return nil
}

// ProtocolName returns the protocol name for display
func (a Args) ProtocolName() string {
	if a.Protocol == "" {
		return "ICMP"
	}
	return strings.ToUpper(a.Protocol)
}

// OutputMode names the primary output: "json", "report" or "tui".
func (a Args) OutputMode() string {
	switch {
	case a.Json:
		return "json"
	case a.Report:
		return "report"
	default:
		return "tui"
	}
}

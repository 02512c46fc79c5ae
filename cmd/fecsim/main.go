// Package main provides fecsim, a command that streams media through the
// parity FEC sender and receiver over a lossy link and reports how many
// lost packets were recovered.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/opd-ai/rtpfec/config"
	"github.com/sirupsen/logrus"
)

// CLI configuration
type CLIConfig struct {
	configFile string
	dumpConfig bool
	packets    int
	groupSize  int
	lossRate   float64
	seed       int64
	latency    time.Duration
	udp        bool
	logLevel   string
	help       bool

	// set records which flags were given explicitly.
	set map[string]bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, *flag.FlagSet, error) {
	cli := &CLIConfig{set: make(map[string]bool)}
	fs := flag.NewFlagSet("fecsim", flag.ContinueOnError)
	fs.SetOutput(output)

	// Configuration file
	fs.StringVar(&cli.configFile, "config", "", "TOML configuration file")
	fs.BoolVar(&cli.dumpConfig, "dumpconfig", false, "Print the effective configuration as TOML and exit")

	// Run configuration
	fs.IntVar(&cli.packets, "packets", 1000, "Number of media packets to send")
	fs.IntVar(&cli.groupSize, "group", 0, "Media packets per FEC packet, 2-16 (overrides config)")
	fs.Float64Var(&cli.lossRate, "loss", 0, "Simulated loss probability (overrides config)")
	fs.Int64Var(&cli.seed, "seed", 0, "Seed for payloads and simulated loss (overrides config)")
	fs.DurationVar(&cli.latency, "latency", 0, "Jitter buffer latency (overrides config)")
	fs.BoolVar(&cli.udp, "udp", false, "Use real UDP sockets on loopback instead of the simulator")

	// Logging configuration
	fs.StringVar(&cli.logLevel, "log-level", "", "Log level (debug, info, warn, error; overrides config)")

	// Help
	fs.BoolVar(&cli.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	fs.Visit(func(f *flag.Flag) { cli.set[f.Name] = true })

	return cli, fs, nil
}

// printUsage prints the usage information.
func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "RTP Parity FEC Simulator")
	fmt.Fprintln(w, "========================")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Streams media packets protected by parity FEC across a lossy link and")
	fmt.Fprintln(w, "reports how many lost packets the receiver rebuilt.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s [options]\n", fs.Name())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  # 10%% loss, one FEC packet per 8 media packets\n")
	fmt.Fprintf(w, "  %s -loss 0.1 -group 8\n", fs.Name())
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  # Settings from a file, then printed back\n")
	fmt.Fprintf(w, "  %s -config rtpfec.toml -dumpconfig\n", fs.Name())
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(cli *CLIConfig) error {
	if cli.packets <= 0 {
		return fmt.Errorf("packet count must be positive")
	}
	if cli.set["latency"] && cli.latency < 0 {
		return fmt.Errorf("latency cannot be negative")
	}
	return nil
}

// buildConfig loads the configuration file, if any, and applies the flags
// that were given explicitly.
func buildConfig(cli *CLIConfig) (config.Config, error) {
	cfg := config.Default()
	if cli.configFile != "" {
		loaded, err := config.Load(cli.configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if cli.set["group"] {
		cfg.Sender.GroupSize = cli.groupSize
	}
	if cli.set["loss"] {
		cfg.Network.LossRate = cli.lossRate
	}
	if cli.set["seed"] {
		cfg.Network.Seed = cli.seed
	}
	if cli.set["latency"] {
		cfg.Receiver.LatencyMillis = int(cli.latency / time.Millisecond)
	}
	if cli.set["udp"] {
		cfg.Network.UseSimulation = !cli.udp
	}
	if cli.set["log-level"] {
		cfg.Log.Level = cli.logLevel
	}

	return cfg, cfg.Validate()
}

// printReport writes a human readable summary of a run.
func printReport(w io.Writer, r *Report) {
	fec := r.Session.FEC
	fmt.Fprintf(w, "Mode:             %s\n", r.Mode)
	fmt.Fprintf(w, "Media sent:       %d\n", r.MediaSent)
	fmt.Fprintf(w, "FEC sent:         %d\n", r.FECSent)
	fmt.Fprintf(w, "Dropped on link:  %d\n", r.NetworkDropped)
	fmt.Fprintf(w, "Recovered:        %d\n", r.Session.Recovered)
	fmt.Fprintf(w, "Uncorrectable:    %d\n", r.Session.Uncorrectable)
	fmt.Fprintf(w, "FEC errors:       %d (malformed %d, unsupported %d)\n", r.Session.FECErrors, fec.Malformed, fec.Unsupported)
	fmt.Fprintf(w, "Played:           %d\n", r.Played)
	fmt.Fprintf(w, "Missing:          %d\n", r.Missing)
	fmt.Fprintf(w, "Corrupt:          %d\n", r.Corrupt)
	fmt.Fprintf(w, "Residual loss:    %.3f%% (%s)\n", r.ResidualLoss*100, r.Quality)
	fmt.Fprintf(w, "Skew:             %v\n", r.Session.Skew)
	fmt.Fprintf(w, "Elapsed:          %v\n", r.Elapsed.Round(time.Millisecond))
}

// run is main without the process exit, returning the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cli, fs, err := parseCLIFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(stdout, fs)
			return 0
		}
		return 2
	}

	if cli.help {
		printUsage(stdout, fs)
		return 0
	}

	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(stderr, "Use -help for usage information.\n")
		return 1
	}

	cfg, err := buildConfig(cli)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}

	if cli.dumpConfig {
		out, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render configuration: %v\n", err)
			return 1
		}
		stdout.Write(out)
		return 0
	}

	level, _ := logrus.ParseLevel(cfg.Log.Level)
	logrus.SetLevel(level)

	report, err := runSimulation(ctx, cfg, cli.packets)
	if err != nil {
		fmt.Fprintf(stderr, "Simulation failed: %v\n", err)
		return 1
	}

	printReport(stdout, report)
	if report.Corrupt > 0 {
		return 1
	}
	return 0
}

// setupSignalHandling cancels ctx on interrupt.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived signal %v, stopping...\n", sig)
		cancel()
	}()
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandling(cancel)

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

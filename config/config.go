// Package config layers the daemon's configuration: built-in defaults, an
// optional key=value file, then command-line overrides, in that order.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full runtime configuration.
type Config struct {
	SamplingIntervalUs   uint32
	LearningDurationSec  uint32
	ZThreshold           float64
	BurstWindow          uint32
	RingBufferCapacity   uint32
	TargetCPU            int // -1 = any
	TargetPID            int // -1 = system-wide
	LogFile              string
	LogToFile            bool
	LogToSyslog          bool
	Verbose              bool
	RiskDecayFactor      float64
	CorrelationWindowSec uint32
	AlertCooldownSec     uint32
	SocketPath           string
	EnableMLOutput       bool

	DataDir    string
	RulesDir   string
	WebListen  string // empty = web API disabled
	PMUTest    bool
	ConfigPath string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		SamplingIntervalUs:   1000,
		LearningDurationSec:  60,
		ZThreshold:           3.5,
		BurstWindow:          10,
		RingBufferCapacity:   8192,
		TargetCPU:            -1,
		TargetPID:            -1,
		LogFile:              "/var/log/cpu-guardian.log",
		LogToFile:            false,
		LogToSyslog:          false,
		Verbose:              false,
		RiskDecayFactor:      0.95,
		CorrelationWindowSec: 30,
		AlertCooldownSec:     5,
		SocketPath:           "/tmp/cpu-guardian.sock",
		EnableMLOutput:       true,
		DataDir:              "data",
		RulesDir:             "",
		WebListen:            "",
	}
}

func parseBool(val string) bool {
	return val == "true" || val == "1"
}

func (c *Config) applyKV(key, val string) error {
	switch key {
	case "sampling_interval_us":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		c.SamplingIntervalUs = uint32(v)
	case "learning_duration_sec":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		c.LearningDurationSec = uint32(v)
	case "z_threshold":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		c.ZThreshold = v
	case "burst_window":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		c.BurstWindow = uint32(v)
	case "ringbuffer_capacity":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		c.RingBufferCapacity = uint32(v)
	case "target_cpu":
		v, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		c.TargetCPU = v
	case "target_pid":
		v, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		c.TargetPID = v
	case "log_file":
		c.LogFile = val
		c.LogToFile = true
	case "log_to_syslog":
		c.LogToSyslog = parseBool(val)
	case "verbose":
		c.Verbose = parseBool(val)
	case "risk_decay_factor":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		c.RiskDecayFactor = v
	case "correlation_window_sec":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		c.CorrelationWindowSec = uint32(v)
	case "alert_cooldown_sec":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		c.AlertCooldownSec = uint32(v)
	case "socket_path":
		c.SocketPath = val
	case "enable_ml_output":
		c.EnableMLOutput = parseBool(val)
	case "data_dir":
		c.DataDir = val
	case "rules_dir":
		c.RulesDir = val
	case "web_listen":
		c.WebListen = val
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return nil
}

// LoadFile merges a key=value file into the configuration. Blank lines and
// # comments are skipped. Malformed lines and unknown keys are warnings;
// the parse continues and the error reports the total count.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineno := 0
	errors := 0

	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, found := strings.Cut(line, "=")
		if !found {
			fmt.Fprintf(os.Stderr, "[config] syntax error on line %d\n", lineno)
			errors++
			continue
		}

		if err := c.applyKV(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			fmt.Fprintf(os.Stderr, "[config] line %d: %v\n", lineno, err)
			errors++
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if errors > 0 {
		return fmt.Errorf("config: %d invalid entries in %s", errors, path)
	}
	return nil
}

// ParseArgs applies command-line overrides on top of the current values.
// When -c names a config file it is loaded first, then the remaining flags
// override it, preserving defaults → file → CLI precedence.
func (c *Config) ParseArgs(args []string) error {
	fs := flag.NewFlagSet("cpu-guardian", flag.ContinueOnError)

	configPath := fs.String("c", "", "configuration file path")
	interval := fs.Uint("i", uint(c.SamplingIntervalUs), "sampling interval (microseconds)")
	learning := fs.Uint("l", uint(c.LearningDurationSec), "learning duration (seconds)")
	zThresh := fs.Float64("z", c.ZThreshold, "z-score threshold")
	cpu := fs.Int("C", c.TargetCPU, "target CPU core (-1 = all)")
	pid := fs.Int("p", c.TargetPID, "target PID (-1 = system-wide)")
	logFile := fs.String("o", "", "log output file")
	sockPath := fs.String("S", c.SocketPath, "ML engine Unix socket path")
	syslogOn := fs.Bool("s", c.LogToSyslog, "enable syslog output")
	verbose := fs.Bool("v", c.Verbose, "verbose mode")
	pmuTest := fs.Bool("T", false, "PMU test mode: open counters, read once, print raw values, exit")
	noML := fs.Bool("M", false, "disable ML output (standalone detection)")
	rulesDir := fs.String("R", c.RulesDir, "Sigma rules directory (empty = disabled)")
	webListen := fs.String("w", c.WebListen, "web status API listen address (empty = disabled)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configPath != "" {
		c.ConfigPath = *configPath
		if err := c.LoadFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "[config] failed to load %s: %v\n", *configPath, err)
		}
	}

	// Explicit flags win over file values.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i":
			c.SamplingIntervalUs = uint32(*interval)
		case "l":
			c.LearningDurationSec = uint32(*learning)
		case "z":
			c.ZThreshold = *zThresh
		case "C":
			c.TargetCPU = *cpu
		case "p":
			c.TargetPID = *pid
		case "o":
			c.LogFile = *logFile
			c.LogToFile = true
		case "S":
			c.SocketPath = *sockPath
		case "s":
			c.LogToSyslog = *syslogOn
		case "v":
			c.Verbose = *verbose
		case "R":
			c.RulesDir = *rulesDir
		case "w":
			c.WebListen = *webListen
		}
	})
	c.PMUTest = *pmuTest
	if *noML {
		c.EnableMLOutput = false
	}

	// The PMU layer cannot count "every process on every CPU" as a single
	// group; rewrite the ambiguous combination to the current process.
	if c.TargetPID == -1 && c.TargetCPU == -1 {
		c.TargetPID = 0
	}

	return nil
}

// Dump prints the active configuration.
func (c *Config) Dump() {
	fmt.Println("=== CPU Guardian Configuration ===")
	fmt.Printf("  sampling_interval_us   = %d\n", c.SamplingIntervalUs)
	fmt.Printf("  learning_duration_sec  = %d\n", c.LearningDurationSec)
	fmt.Printf("  z_threshold            = %.2f\n", c.ZThreshold)
	fmt.Printf("  burst_window           = %d\n", c.BurstWindow)
	fmt.Printf("  ringbuffer_capacity    = %d\n", c.RingBufferCapacity)
	fmt.Printf("  target_cpu             = %d\n", c.TargetCPU)
	fmt.Printf("  target_pid             = %d\n", c.TargetPID)
	fmt.Printf("  log_file               = %s\n", c.LogFile)
	fmt.Printf("  log_to_file            = %t\n", c.LogToFile)
	fmt.Printf("  log_to_syslog          = %t\n", c.LogToSyslog)
	fmt.Printf("  verbose                = %t\n", c.Verbose)
	fmt.Printf("  risk_decay_factor      = %.4f\n", c.RiskDecayFactor)
	fmt.Printf("  correlation_window_sec = %d\n", c.CorrelationWindowSec)
	fmt.Printf("  alert_cooldown_sec     = %d\n", c.AlertCooldownSec)
	fmt.Printf("  socket_path            = %s\n", c.SocketPath)
	fmt.Printf("  enable_ml_output       = %t\n", c.EnableMLOutput)
	fmt.Printf("  data_dir               = %s\n", c.DataDir)
	fmt.Printf("  rules_dir              = %s\n", c.RulesDir)
	fmt.Printf("  web_listen             = %s\n", c.WebListen)
	fmt.Println("==================================")
}

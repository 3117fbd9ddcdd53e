package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/config"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "check":
		runCheck(os.Args[2:])
	case "archive":
		runArchive(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "requeue":
		runRequeue(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		fmt.Printf("link-archiver %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `link-archiver - Archive the content behind saved links

Usage:
  link-archiver <command> [options]

Commands:
  check     Run the SSRF/URL pre-flight check on a URL
  archive   Fetch and archive a single URL in-process
  worker    Process archive jobs from the configured queue
  requeue   Re-enqueue pending and interrupted archives
  status    Print an archive record as JSON
  validate  Validate configuration file
  version   Show version info

Run 'link-archiver <command> -h' for command-specific help.`)
}

// setupLogger creates a configured logrus.Logger with the given log level.
func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Debugf("Setting log level to: %s", level.String())
	}

	return log
}

// loadConfig reads and validates the config file. An empty path yields the defaults,
// which is enough for the one-shot commands.
func loadConfig(path string) (*config.AppConfig, []string, error) {
	cfg := &config.AppConfig{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// loadAndValidateConfig loads the config file, validates it, and logs warnings.
func loadAndValidateConfig(configFile string, log *logrus.Logger) *config.AppConfig {
	if configFile != "" {
		log.Infof("Loading configuration from %s", configFile)
	}
	appCfg, warnings, err := loadConfig(configFile)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	return appCfg
}

// signalContext returns a context cancelled on the first SIGINT/SIGTERM. A second signal,
// or a stuck shutdown, forces exit.
func signalContext(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Workers:%d, MaxContentLength:%d bytes, MaxRedirects:%d, RetryBackoff:%v",
		appCfg.NumWorkers, appCfg.MaxContentLength, appCfg.MaxRedirects, appCfg.RetryBackoff)
	log.Infof("Config HTTP Client: Connect:%v, Read:%v, MaxIdle:%d, MaxIdlePerHost:%d, TLSTimeout:%v",
		appCfg.HTTPClientSettings.ConnectTimeout, appCfg.HTTPClientSettings.ReadTimeout,
		appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.TLSHandshakeTimeout)
	log.Infof("Config Backends: Storage:%s, Queue:%s", appCfg.Storage.Driver, appCfg.Queue.Driver)
}

// newFlagSet builds a subcommand flag set with the usage text shared by all commands
func newFlagSet(name, argsHint string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: link-archiver %s [options] %s\n\nOptions:\n", name, argsHint)
		fs.PrintDefaults()
	}
	return fs
}

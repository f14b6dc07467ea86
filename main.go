package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/oblq/gpufan/internal/log"
	"github.com/oblq/gpufan/modules/cli"
	"github.com/oblq/gpufan/modules/ipmi"
	"github.com/oblq/gpufan/modules/nvml"
)

// can be interpolated with -ldflags at build time with an absolute path.
var Path = "./"

type options struct {
	ConfigPath string `short:"c" long:"config" env:"GPUFAN_CONFIG" description:"directory containing gpufan.yaml"`
	LogLevel   string `long:"log-level" env:"GPUFAN_LOG_LEVEL" description:"debug, info, warn or error"`
	LogFile    string `long:"log-file" env:"GPUFAN_LOG_FILE" description:"log to a rotated file instead of stderr"`

	Host     string `long:"host" env:"GPUFAN_IPMI_HOST" description:"BMC address"`
	Username string `long:"username" env:"GPUFAN_IPMI_USERNAME" description:"BMC username"`
	Password string `long:"password" env:"GPUFAN_IPMI_PASSWORD" description:"BMC password"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	config, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	lvl, err := log.ParseLogLevel(config.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.SetLogger(log.CreateLogger(lvl, config.LogFile))
	defer func() {
		_ = log.Logger.Sync()
	}()

	ctx, stop := signalContext(context.Background())
	defer stop()
	go func() {
		<-ctx.Done()
		log.Logger.Infow("received signal, shutting down")
	}()

	g := NewGovernor(config, newSensor(config.Sensor), ipmi.New(config.IPMI))
	if err := g.Run(ctx); err != nil {
		log.Logger.Errorw("governor stopped", "error", err)
	}

	log.Logger.Infow("exiting")
}

// signalContext returns a copy of ctx done on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig read the config file and applies the command line overrides.
func loadConfig(opts options) (*Config, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = Path
	}

	config, found, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if !found {
		fmt.Fprintf(os.Stderr, "no %s in %s, using defaults\n", configFileName, opts.ConfigPath)
	}

	if opts.LogLevel != "" {
		config.LogLevel = opts.LogLevel
	}
	if opts.LogFile != "" {
		config.LogFile = opts.LogFile
	}
	if opts.Host != "" {
		config.IPMI.Host = opts.Host
	}
	if opts.Username != "" {
		config.IPMI.Username = opts.Username
	}
	if opts.Password != "" {
		config.IPMI.Password = opts.Password
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func newSensor(config SensorConfig) Sensor {
	if config.Type == sensorCli {
		return cli.New(config.Cmd)
	}
	return nvml.New()
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-appsec/fauxnet/pkg/fauxnet"
)

var (
	version = "dev"
	rev     = ""
)

// stopGrace bounds how long shutdown waits for in-flight sessions
// before force-closing them.
const stopGrace = 10 * time.Second

func main() {
	var (
		configFlag  string
		modeFlag    string
		bindIPFlag  string
		noRedirect  bool
		ifaceFlag   string
		logDirFlag  string
		logLevel    string
		runAsFlag   string
		showVersion bool
	)

	pflag.StringVarP(&configFlag, "config", "c", "", "Path to config file")
	pflag.StringVarP(&modeFlag, "mode", "m", "", "Interception mode: loopback or gateway")
	pflag.StringVar(&bindIPFlag, "bind-ip", "", "Address responders listen on")
	pflag.BoolVar(&noRedirect, "no-redirect", false, "Skip installing iptables redirect rules")
	pflag.StringVarP(&ifaceFlag, "interface", "i", "", "Inbound interface for gateway mode")
	pflag.StringVar(&logDirFlag, "log-dir", "logs", "Directory for rotated log files")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pflag.StringVar(&runAsFlag, "run-as", "", "Drop privileges to user[:group] after startup")
	pflag.BoolVar(&showVersion, "version", false, "Show version")
	pflag.Parse()

	versionStr := version + "-" + rev

	if showVersion {
		fmt.Printf("fauxnet version %s\n", versionStr)
		os.Exit(0)
	}

	log := setupLogging(logDirFlag, logLevel)

	cfg, err := LoadConfig(configFlag)
	if err != nil {
		log.WithError(err).Fatal("could not load config")
	}

	if pflag.Lookup("mode").Changed {
		cfg.Mode = fauxnet.Mode(modeFlag)
	}
	if pflag.Lookup("bind-ip").Changed {
		cfg.BindIP = bindIPFlag
	}
	if pflag.Lookup("interface").Changed {
		cfg.Interface = ifaceFlag
	}
	if noRedirect {
		cfg.AutoRedirect = false
	}

	if err := ValidateConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	if cfg.HTTPS.Enabled {
		if err := EnsureCerts(cfg.HTTPS.CertFile, cfg.HTTPS.KeyFile); err != nil {
			log.WithError(err).Fatal("could not provision TLS certificate")
		}
	}

	orch, err := fauxnet.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("could not assemble services")
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		log.WithError(err).Fatal("startup failed")
	}

	// Root was needed for low ports and iptables; serving traffic is not.
	if runAsFlag != "" {
		user, group := runAsFlag, ""
		if i := strings.IndexByte(runAsFlag, ':'); i >= 0 {
			user, group = runAsFlag[:i], runAsFlag[i+1:]
		}
		if err := fauxnet.DropPrivileges(user, group); err != nil {
			stopCtx, cancel := context.WithTimeout(ctx, stopGrace)
			_ = orch.Stop(stopCtx)
			cancel()
			log.WithError(err).Fatal("could not drop privileges")
		}
		log.WithField("user", runAsFlag).Info("privileges dropped")
	}

	log.WithFields(logrus.Fields{
		"version": versionStr,
		"mode":    string(cfg.Mode),
		"bind_ip": cfg.BindIP,
	}).Info("fauxnet started, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}

// setupLogging writes structured logs to stdout and a rotated file.
func setupLogging(logDir, level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if logDir != "" {
		log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "fauxnet.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			Compress:   true,
		}))
	}
	return log
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"fleetgate/internal/agentclient"
	"fleetgate/internal/logging"
	"fleetgate/internal/protocol"
	"fleetgate/internal/security"
)

var version = "dev"

func main() {
	home, _ := os.UserHomeDir()

	serverURL := pflag.String("server", "ws://localhost:9080/agent/ws", "Control plane websocket URL")
	name := pflag.String("name", "", "Machine name reported to the server (default hostname)")
	dataDir := pflag.String("data-dir", filepath.Join(home, ".fleetgate"), "Directory for the machine id, secret and audit log")
	secret := pflag.String("secret", "", "Enrollment secret (default generated and stored in data-dir)")
	heartbeat := pflag.Duration("heartbeat", 10*time.Second, "Heartbeat interval until the server pushes one")
	rules := pflag.String("rules", "", "Extra gatekeeper rules file (default <data-dir>/rules.yaml)")
	auditLog := pflag.String("audit-log", "", "Security audit log (default <data-dir>/audit.log)")
	logLevel := pflag.String("log-level", "info", "debug, info, warn or error")
	logFormat := pflag.String("log-format", "console", "json or console")
	showVersion := pflag.Bool("version", false, "Show version")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("fleetgate-agent %s\n", version)
		return
	}

	logger, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if *rules == "" {
		*rules = filepath.Join(*dataDir, "rules.yaml")
	}
	if *auditLog == "" {
		*auditLog = filepath.Join(*dataDir, "audit.log")
	}

	err = run(agentConfig{
		ServerURL: *serverURL,
		Name:      *name,
		DataDir:   *dataDir,
		Secret:    *secret,
		Heartbeat: *heartbeat,
		Rules:     *rules,
		AuditLog:  *auditLog,
	}, logger)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, agentclient.ErrBlocked):
		logger.Error("license blocked; contact the fleet operator", zap.Error(err))
		os.Exit(3)
	default:
		logger.Fatal("agent failed", zap.Error(err))
	}
}

type agentConfig struct {
	ServerURL string
	Name      string
	DataDir   string
	Secret    string
	Heartbeat time.Duration
	Rules     string
	AuditLog  string
}

func run(cfg agentConfig, logger *zap.Logger) error {
	id, err := loadIdentity(cfg.DataDir, cfg.Secret)
	if err != nil {
		return err
	}

	audit, auditFile, err := logging.NewAppendOnly(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer auditFile.Close()

	gate, err := security.New(security.Options{
		Protected: []string{
			filepath.Join(cfg.DataDir, secretFile),
			cfg.AuditLog,
			cfg.Rules,
		},
		Audit: audit,
	}, logger)
	if err != nil {
		return err
	}
	if err := gate.LoadRules(cfg.Rules); err != nil {
		return err
	}

	info := agentclient.DetectSystem(id.MachineID, cfg.Name, version)
	power := agentclient.NewStaticPower()
	client := agentclient.New(agentclient.Options{
		ServerURL:         cfg.ServerURL,
		System:            info,
		Secret:            id.Secret,
		Tools:             agentclient.NewTools(gate, power, info, logger),
		Power:             power,
		HeartbeatInterval: cfg.Heartbeat,
		OnUpdate: func(flag int) {
			switch flag {
			case protocol.UpdateForced:
				logger.Warn("server requires an agent update", zap.String("version", version))
			case protocol.UpdateAvailable:
				logger.Info("agent update available", zap.String("version", version))
			}
		},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		zap.String("version", version),
		zap.String("server", cfg.ServerURL),
		zap.String("machine_id", info.MachineID),
		zap.String("name", info.Hostname))
	return client.Run(ctx)
}

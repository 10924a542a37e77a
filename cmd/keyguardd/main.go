// Command keyguardd is the physical key-custody controller: it wires the
// catalog, the chip-select bus arbiter, every key slot's reader and
// solenoid, the badge reader, the session manager, and the TLS protocol
// channel into one running process.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/keyguardio/keyguardd/internal/bus"
	"github.com/keyguardio/keyguardd/internal/catalog"
	"github.com/keyguardio/keyguardd/internal/channel"
	"github.com/keyguardio/keyguardd/internal/config"
	"github.com/keyguardio/keyguardd/internal/hal"
	"github.com/keyguardio/keyguardd/internal/health"
	"github.com/keyguardio/keyguardd/internal/logger"
	"github.com/keyguardio/keyguardd/internal/orchestrator"
	"github.com/keyguardio/keyguardd/internal/reader"
	"github.com/keyguardio/keyguardd/internal/security"
	"github.com/keyguardio/keyguardd/internal/session"
	"github.com/keyguardio/keyguardd/internal/slot"
	"github.com/keyguardio/keyguardd/internal/solenoid"
	"github.com/keyguardio/keyguardd/internal/userslot"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0"

// slotCallerBase offsets the reentrancy tokens handed to the bus arbiter so
// each slot's reader and the badge reader never collide: the badge reader
// uses token 0, slot i (1-based, per wire protocol) uses token i.
const slotCallerBase = 0

func main() {
	cfgPath := os.Getenv("KEYGUARD_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyguardd: loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		LogDir:     filepath.Dir(cfg.Logger.FilePath),
		MaxSizeMB:  cfg.Logger.MaxSizeMB,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAgeDays: cfg.Logger.MaxAgeDays,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "keyguardd: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("keyguardd starting", zap.String("version", Version))

	initHAL()
	h, err := hal.GetGlobalHAL()
	if err != nil {
		logger.Fatal("no HAL available", zap.Error(err))
	}

	cat, err := catalog.Load(cfg.Files.CatalogPath, cfg.Files.CredentialsPath)
	if err != nil {
		logger.Fatal("loading catalog", zap.Error(err))
	}

	secret, err := security.LoadServerSecret(cfg.Files.SecretPath)
	if err != nil {
		logger.Fatal("loading server secret", zap.Error(err))
	}

	lines := make([]int, 0, len(cfg.Slots)+1)
	lines = append(lines, cfg.UserSlot.ChipSelectLine)
	for _, s := range cfg.Slots {
		lines = append(lines, s.ChipSelectLine)
	}
	arbiter, err := bus.NewArbiter(h.GPIO(), lines)
	if err != nil {
		logger.Fatal("initializing chip-select arbiter", zap.Error(err))
	}

	userReader, err := reader.Open(h.SPI(), cfg.UserSlot.SPIBus, cfg.UserSlot.SPIDevice,
		arbiter.Handle(0, cfg.UserSlot.ChipSelectLine))
	if err != nil {
		logger.Fatal("opening badge reader", zap.Error(err))
	}
	defer userReader.Cleanup()

	userSlot := userslot.New(cat, userReader, cfg.Timing.ReaderTimeout)

	slotMachines := make([]*slot.Machine, 0, len(cfg.Slots))
	bindings := make([]session.SlotBinding, 0, len(cfg.Slots))
	for i, sc := range cfg.Slots {
		token := slotCallerBase + i + 1

		rd, err := reader.Open(h.SPI(), sc.SPIBus, sc.SPIDevice, arbiter.Handle(token, sc.ChipSelectLine))
		if err != nil {
			logger.Fatal("opening slot reader", zap.String("slot", sc.Name), zap.Error(err))
		}
		defer rd.Cleanup()

		if err := h.GPIO().SetMode(sc.SolenoidPin, hal.Output); err != nil {
			logger.Fatal("configuring solenoid pin", zap.String("slot", sc.Name), zap.Error(err))
		}
		lock := solenoid.New(h.GPIO(), sc.SolenoidPin, true)

		readerTimeout, relockTimeout, settle, theftWindow := cfg.Resolve(sc)
		m := slot.New(slot.Config{
			Name:                sc.Name,
			ReaderTimeout:       readerTimeout,
			RelockTimeout:       relockTimeout,
			SolenoidSettleTime:  settle,
			TheftDecisionWindow: theftWindow,
		}, cat, rd, lock)

		slotMachines = append(slotMachines, m)
		bindings = append(bindings, session.SlotBinding{ID: i + 1, Name: sc.Name, Machine: m})
	}

	sessions := session.New(secret, cfg.Timing.SessionTimeout, cat, bindings)
	sessions.SetUserSlot(userSlot)

	tlsConfig, err := loadTLSConfig(cfg.Files.TLSCertPath, cfg.Files.TLSKeyPath, cfg.Files.TLSPassphrasePath)
	if err != nil {
		logger.Fatal("loading TLS material", zap.Error(err))
	}

	server := channel.NewServer(cfg.Channel.ListenAddr, tlsConfig, sessions, bindings, userSlot)

	monitor := hal.NewGPIOMonitor(500)
	go monitor.Start()
	defer monitor.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker := health.NewHealthChecker()
	checker.RegisterCheck("hardware", health.HardwareHealthCheck(func(context.Context) error {
		_, err := h.GPIO().DigitalRead(cfg.UserSlot.ChipSelectLine)
		return err
	}), 30*time.Second)
	checker.RegisterCheck("key_slots", health.SlotLockHealthCheck(slotMachines), 30*time.Second)
	checker.RegisterCheck("goroutines", health.GoroutineHealthCheck(runtime.NumGoroutine, 10000), 30*time.Second)
	checker.StartPeriodicChecks(ctx)

	admin := channel.NewAdminServer(checker, monitor)

	orch := orchestrator.New(userSlot, slotMachines, cfg.Timing.MainLoopDelay)

	go orch.Run(ctx)

	go func() {
		if err := admin.Listen(ctx, cfg.Admin.ListenAddr); err != nil {
			logger.Warn("admin server stopped", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("channel", cfg.Channel.ListenAddr), zap.String("admin", cfg.Admin.ListenAddr))
	if err := server.Serve(ctx); err != nil {
		logger.Error("channel server stopped", zap.Error(err))
	}

	orch.Stop()
	logger.Info("keyguardd stopped")
}

// loadTLSConfig builds the channel's server-side TLS configuration. The
// private key file may itself be passphrase-encrypted; no third-party
// library here parses encrypted PKCS#1 PEM blocks, so this narrow concern
// falls back to the standard library's x509.DecryptPEMBlock.
func loadTLSConfig(certPath, keyPath, passphrasePath string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading TLS certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading TLS key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("decoding TLS key: no PEM block found")
	}

	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // no third-party encrypted-PEM parser available
		passphrase, err := security.LoadTLSPassphrase(passphrasePath)
		if err != nil {
			return nil, err
		}
		der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("decrypting TLS key: %w", err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing TLS key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

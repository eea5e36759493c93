package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/cellgw/device"
	"i4.energy/across/cellgw/events"
	"i4.energy/across/cellgw/family"
	"i4.energy/across/cellgw/modem"
	"i4.energy/across/cellgw/socket"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("modem-address", "", "Reach the modem over TCP at host:port instead of the serial port")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.String("family", "sara-r5", "Module family")
	flag.String("family-file", "", "YAML file extending the builtin module family table")
	flag.String("apn", "", "Access point name")
	flag.String("apn-user", "", "APN user name")
	flag.String("apn-password", "", "APN password")
	flag.String("apn-auth", "auto", "APN authentication (none, pap, chap, auto)")
	flag.Duration("at-timeout", 5*time.Second, "Timeout of a single AT command")
	flag.Bool("auto-connect", true, "Bring the data session up at start and keep it up")
	flag.String("nats-url", "", "Publish device events to this NATS server")
	flag.String("nats-subject-prefix", events.DefaultSubjectPrefix, "Subject prefix of published events")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)}))

	if err := run(config, logger); err != nil {
		logger.Error("Gateway stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadFamily(config *Config) (family.Family, error) {
	table := family.Default()
	if config.FamilyFile != "" {
		t, err := family.Load(config.FamilyFile)
		if err != nil {
			return family.Family{}, err
		}
		table = t
	}
	return table.Lookup(config.Family)
}

func dialer(config *Config) modem.Dialer {
	if config.ModemAddress != "" {
		return modem.TCPDialer{Address: config.ModemAddress}
	}
	return modem.SerialDialer{
		PortName: config.SerialPort,
		BaudRate: config.BaudRate,
	}
}

func run(config *Config, logger *slog.Logger) error {
	fam, err := loadFamily(config)
	if err != nil {
		return fmt.Errorf("module family: %w", err)
	}
	auth, err := config.Auth()
	if err != nil {
		return err
	}

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(config.ATTimeout).
		WithMinCommandInterval(fam.CommandDelay).
		WithLogger(logger).
		WithDialer(dialer(config)).
		Build()
	if err != nil {
		return fmt.Errorf("modem config: %w", err)
	}

	m, err := modem.New(context.Background(), modemConfig)
	if err != nil {
		return fmt.Errorf("open modem: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil && !errors.Is(err, modem.ErrAlreadyClosed) {
			logger.Error("Failed to close modem", "error", err)
		}
	}()

	hub := events.NewHub(64, logger)
	publishers := events.Multi{hub}
	if config.NATSURL != "" {
		nc, err := events.DialNATS(events.NATSConfig{
			URL:           config.NATSURL,
			SubjectPrefix: config.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		publishers = append(publishers, nc)
	}

	// The socket layer asks the device for readiness and the device
	// invalidates the sockets, so the device is bound after both exist.
	var dev *device.Device
	sockets, err := socket.NewManager(socket.Config{
		Modem:  m,
		Family: fam,
		Device: socket.ReadyFunc(func() bool { return dev != nil && dev.Ready() }),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	devConfig := device.Config{
		Modem:    m,
		Pins:     m.Pins(),
		Family:   fam,
		Sockets:  sockets,
		Events:   publishers,
		Logger:   logger,
		APN:      config.APN,
		User:     config.APNUser,
		Password: config.APNPassword,
		SimPIN:   config.SimPIN,
	}
	if config.APNUser != "" {
		devConfig.Auth = auth
	}
	dev, err = device.New(devConfig)
	if err != nil {
		return err
	}

	deviceURCs := m.Subscribe(device.URCPrefixes...)
	socketURCs := m.Subscribe(socket.URCPrefixes...)

	// The loop outlives the signal context so that the module can be torn
	// down after the workers stopped.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopErr := make(chan error, 1)
	go func() { loopErr <- m.Loop(loopCtx) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  logger.With("component", "server"),
			Device:  dev,
			Sockets: sockets,
			Events:  hub,
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting cellular gateway", "family", fam.Name, "apn", config.APN, "session", dev.Session())

	kick := make(chan struct{}, 1)
	if config.AutoConnect {
		kick <- struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-loopErr:
			return fmt.Errorf("modem loop: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return superviseDevice(gctx, dev, deviceURCs, kick, config.AutoConnect, logger)
	})
	g.Go(func() error {
		return keepConnected(gctx, dev, kick, logger)
	})
	g.Go(func() error {
		return sockets.Watch(gctx, socketURCs)
	})
	g.Go(func() error {
		return serveHTTP(gctx, httpServer, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("Tearing down device")
	tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if terr := dev.Teardown(tctx); terr != nil {
		logger.Error("Failed to tear down device", "error", terr)
	}
	stopLoop()

	return err
}

// superviseDevice applies URCs to the device and recovers lost connections.
// After recovery gave up the device is torn down and, with auto connect,
// brought up again from scratch.
func superviseDevice(ctx context.Context, dev *device.Device, urcs <-chan string, kick chan<- struct{}, auto bool, logger *slog.Logger) error {
	for {
		err := dev.Supervise(ctx, urcs)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, device.ErrRecoveryFailed) {
			return err
		}

		logger.Error("Connection recovery failed", "error", err)
		if terr := dev.Teardown(ctx); terr != nil {
			logger.Error("Failed to tear down device", "error", terr)
		}
		if auto {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	}
}

// keepConnected brings the device up whenever it is kicked, retrying with
// backoff until it succeeds.
func keepConnected(ctx context.Context, dev *device.Device, kick <-chan struct{}, logger *slog.Logger) error {
	const (
		baseDelay = 5 * time.Second
		maxDelay  = 5 * time.Minute
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-kick:
		}

		for attempt := 0; ; attempt++ {
			err := dev.BringUp(ctx)
			if err == nil {
				logger.Info("Data session active", "snapshot", dev.Snapshot())
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			delay := min(baseDelay<<min(attempt, 10), maxDelay)
			logger.Warn("Bring-up failed, retrying", "error", err, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
}

// serveHTTP runs server until ctx is cancelled and then shuts it down
// gracefully.
func serveHTTP(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("Closing HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

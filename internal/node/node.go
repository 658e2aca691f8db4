// Package node assembles the fieldnode runtime from configuration: the
// link supervisor, the broker session and its client, the telemetry
// reporter, the firmware update controller, and the optional status
// server.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/fieldnode/internal/buildinfo"
	"github.com/nugget/fieldnode/internal/config"
	"github.com/nugget/fieldnode/internal/connwatch"
	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/firmware"
	"github.com/nugget/fieldnode/internal/opstate"
	"github.com/nugget/fieldnode/internal/session"
	"github.com/nugget/fieldnode/internal/status"
	"github.com/nugget/fieldnode/internal/telemetry"
	"github.com/nugget/fieldnode/internal/thingsboard"
)

// Options carries the configuration and any collaborators that replace
// the hardware-backed defaults. Nil collaborators are built from Config.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Bus    *events.Bus

	Link      connwatch.Link
	Sensor    telemetry.Sensor
	Signal    telemetry.SignalSource
	Flasher   firmware.Flasher
	Restarter firmware.Restarter
	Dial      thingsboard.Dialer
	Store     *opstate.Store
}

// Node is a wired fieldnode.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	store     *opstate.Store
	ownsStore bool

	Client     *thingsboard.Client
	Link       *connwatch.Supervisor
	Session    *session.Manager
	Attributes *session.AttributeStore
	Firmware   *firmware.Controller
	Telemetry  *telemetry.Reporter
	Status     *status.Server
}

// New wires a node. Nothing runs until Run.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("node: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	n := &Node{cfg: cfg, logger: logger, bus: bus, store: opts.Store}
	if n.store == nil {
		store, err := opstate.Open(filepath.Join(cfg.DataDir, "fieldnode.db"))
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		n.store = store
		n.ownsStore = true
	}

	if err := n.wire(opts); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) wire(opts Options) error {
	cfg := n.cfg
	tb := cfg.ThingsBoard

	attrs, err := thingsboard.NewAttributeSet(tb.SharedAttributes...)
	if err != nil {
		return fmt.Errorf("shared attributes: %w", err)
	}

	clientID, err := thingsboard.LoadOrCreateClientID(cfg.DataDir)
	if err != nil {
		return err
	}

	dial := opts.Dial
	if dial == nil {
		dial, err = thingsboard.DialerFor(tb.Protocol)
		if err != nil {
			return err
		}
	}

	n.Client = thingsboard.NewClient(thingsboard.Config{
		Dial:           dial,
		MaxSendSize:    tb.MaxMessageSendSize,
		MaxReceiveSize: tb.MaxMessageReceiveSize,
		Logger:         n.logger.With("component", "thingsboard"),
	})
	res := session.NewResource(n.Client, tb.HoldTimeout)

	link := opts.Link
	if link == nil {
		link = &connwatch.DialLink{
			ProbeAddress:   cfg.Network.ProbeAddress,
			ConnectCommand: cfg.Network.ConnectCommand,
			Logger:         n.logger.With("component", "link"),
		}
	}
	n.Link = connwatch.New(connwatch.Config{
		Name:     cfg.Network.Interface,
		SSID:     cfg.Network.SSID,
		Password: cfg.Network.Password,
		Link:     link,
		Cadence: connwatch.Cadence{
			RetryDelay:       cfg.Network.RetryDelay,
			AssociateTimeout: cfg.Network.AssociateTimeout,
			PollInterval:     cfg.Network.PollInterval,
		},
		OnReady: func(attempts int) {
			n.bus.Emit(events.SourceConnectivity, events.KindLinkUp, map[string]any{"attempts": attempts})
		},
		OnDown: func() {
			n.bus.Emit(events.SourceConnectivity, events.KindLinkDown, nil)
		},
		Logger: n.logger.With("component", "link"),
	})

	n.Session = session.NewManager(session.Config{
		Endpoint: thingsboard.Endpoint{
			Server:         tb.Server,
			Port:           tb.Port,
			Token:          tb.Token,
			ClientID:       clientID,
			TLS:            tb.TLS,
			ConnectTimeout: tb.ConnectTimeout,
		},
		Attributes:     attrs,
		RequestTimeout: tb.RequestTimeout,
		ReconnectDelay: tb.ReconnectDelay,
		IdleDelay:      tb.IdleDelay,
		PumpInterval:   tb.PumpInterval,
		Logger:         n.logger.With("component", "session"),
		Bus:            n.bus,
	}, res, n.Link)

	n.Attributes = session.NewAttributeStore(n.store, n.bus, n.logger.With("component", "attributes"))

	flasher, restarter := opts.Flasher, opts.Restarter
	if flasher == nil || restarter == nil {
		image := cfg.Firmware.ImagePath
		if image == "" {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			image = exe
		}
		if flasher == nil {
			flasher = &firmware.FileFlasher{Path: image}
		}
		if restarter == nil {
			restarter = firmware.ExecRestarter{Path: image, Logger: n.logger}
		}
	}
	fw := cfg.Firmware
	n.Firmware = firmware.NewController(firmware.Config{
		Title:           fw.Title,
		Version:         fw.Version,
		ChunkSize:       fw.ChunkSize,
		MaxChunkRetries: fw.MaxChunkRetries,
		ChunkTimeout:    fw.ChunkTimeout,
		CheckInterval:   fw.CheckInterval,
		RequestTimeout:  tb.RequestTimeout,
		Store:           n.store,
		Logger:          n.logger.With("component", "firmware"),
		Bus:             n.bus,
	}, n.Session, flasher, restarter)

	n.Session.AddHandler(n.Attributes)
	n.Session.AddHandler(n.Firmware)
	n.Session.AddTicker(n.Firmware)

	sensor := opts.Sensor
	if sensor == nil {
		sensor = telemetry.IIOSensor{Dir: cfg.Telemetry.SensorDir}
	}
	signal := opts.Signal
	if signal == nil {
		signal = connwatch.WirelessSignal{Interface: cfg.Network.Interface}
	}
	n.Telemetry = telemetry.NewReporter(telemetry.Config{
		Interval:       cfg.Telemetry.Interval,
		PollInterval:   cfg.Telemetry.PollInterval,
		TemperatureKey: cfg.Telemetry.TemperatureKey,
		HumidityKey:    cfg.Telemetry.HumidityKey,
		Logger:         n.logger.With("component", "telemetry"),
		Bus:            n.bus,
	}, sensor, signal, n.Session, res)

	if cfg.Status.Enabled {
		n.Status = status.NewServer(cfg.Status.Address, cfg.Status.Port, status.Sources{
			Link:       n.Link,
			Session:    n.Session,
			Firmware:   n.Firmware,
			Telemetry:  n.Telemetry,
			Attributes: n.Attributes,
			Inbound:    n.Client,
			Bus:        n.bus,
		}, n.logger.With("component", "status"))
	}
	return nil
}

// Bus returns the node's event bus.
func (n *Node) Bus() *events.Bus { return n.bus }

// Run brings the link up, then runs every activity until ctx is
// cancelled or the status server fails. Activities start in priority
// order: link supervision, session upkeep, telemetry, firmware updates.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("starting fieldnode",
		"build", buildinfo.String(),
		"device", n.cfg.DeviceName,
		"firmware_title", n.cfg.Firmware.Title,
		"firmware_version", n.cfg.Firmware.Version,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	statusErr := make(chan error, 1)
	if n.Status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Status.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				statusErr <- fmt.Errorf("status server: %w", err)
				cancel()
			}
		}()
	}

	if err := n.Link.EnsureConnected(ctx); err == nil {
		activities := []func(context.Context){
			n.Link.Run,
			n.Session.Run,
			n.Telemetry.Run,
			func(ctx context.Context) { n.Firmware.Run(ctx, n.Session.Resource()) },
		}
		for _, run := range activities {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run(ctx)
			}()
		}
		<-ctx.Done()
	}

	n.logger.Info("shutting down")
	cancel()
	if n.Status != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := n.Status.Shutdown(shutdownCtx); err != nil {
			n.logger.Warn("status server shutdown", "error", err)
		}
	}
	wg.Wait()

	select {
	case err := <-statusErr:
		return err
	default:
		return nil
	}
}

// Close releases the broker connection and the state store.
func (n *Node) Close() error {
	var errs []error
	if n.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, n.Client.Close(ctx))
	}
	if n.ownsStore && n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}

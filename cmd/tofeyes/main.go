// Command tofeyes runs the proximity face: a sampler feeding the expression
// policy from the distance sensor, and the HTTP API over the same hardware.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/banshee-data/tofeyes/internal/api"
	"github.com/banshee-data/tofeyes/internal/bus"
	"github.com/banshee-data/tofeyes/internal/config"
	"github.com/banshee-data/tofeyes/internal/device"
	"github.com/banshee-data/tofeyes/internal/face"
	"github.com/banshee-data/tofeyes/internal/monitoring"
	"github.com/banshee-data/tofeyes/internal/policy"
	"github.com/banshee-data/tofeyes/internal/sampler"
	"github.com/banshee-data/tofeyes/internal/serialport"
	"github.com/banshee-data/tofeyes/internal/timeutil"
	"github.com/banshee-data/tofeyes/internal/tof"
	"github.com/banshee-data/tofeyes/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON or YAML config file (default: built-in defaults)")
	listen      = flag.String("listen", "", "Listen address (overrides the config file)")
	devMode     = flag.Bool("dev", false, "Run against a fixture sensor and an in-memory matrix")
	fixtures    = flag.String("fixtures", "", "Fixture script for the sensor in dev mode")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

const shutdownTimeout = 5 * time.Second

// devScript is replayed in dev mode when no fixture file is given: an
// approach to arm's length and a retreat out of range.
var devScript = []int{1500, 1400, 1200, 900, 700, 500, 350, 250, 200, 200, 250, 400, 700, 1100, 1600, 2500}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("tofeyes", version.String())
		return
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	addr := cfg.GetListen()
	if *listen != "" {
		addr = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hw, err := openHardware(cfg, *devMode, *fixtures)
	if err != nil {
		log.Fatalf("failed to open hardware: %v", err)
	}
	ctl, err := assemble(cfg, hw, timeutil.RealClock{})
	if err != nil {
		hw.abandon()
		log.Fatalf("failed to assemble device: %v", err)
	}

	log.Printf("tofeyes %s starting in %s mode on %s", version.String(), hw.mode, addr)
	if err := run(ctx, ctl, addr); err != nil {
		log.Printf("run error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctl.Shutdown(shutdownCtx); err != nil {
		log.Printf("device shutdown error: %v", err)
	}
	hw.close()
	log.Printf("Graceful shutdown complete")
}

// hardware is the opened sensor and matrix plus whatever must be released
// after the buses are closed. Once assembled, the buses own the ranger and
// the matrix and close them on shutdown.
type hardware struct {
	ranger  tof.Ranger
	matrix  face.Matrix
	mode    device.Mode
	closers []func() error
}

// close releases the handles the buses do not own.
func (h *hardware) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			log.Printf("close error: %v", err)
		}
	}
}

// abandon releases everything, for when no controller took ownership of the
// devices.
func (h *hardware) abandon() {
	for _, dev := range []any{h.matrix, h.ranger} {
		if c, ok := dev.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Printf("close error: %v", err)
			}
		}
	}
	h.close()
}

// openHardware opens the configured sensor and display. Dev mode replaces
// both with a fixture and an in-memory matrix.
func openHardware(cfg *config.Config, dev bool, fixturePath string) (*hardware, error) {
	hw := &hardware{mode: device.ModeHardware}
	sensorType, displayType := cfg.GetSensorType(), cfg.GetDisplayType()
	if dev {
		hw.mode = device.ModeDev
		sensorType, displayType = config.SensorFixture, config.DisplayMemory
	}
	if fixturePath == "" {
		fixturePath = cfg.GetFixturePath()
	}

	if sensorType != config.SensorFixture || displayType != config.DisplayMemory {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialise periph host: %w", err)
		}
	}

	switch sensorType {
	case config.SensorVL53L0X:
		b, err := i2creg.Open(cfg.GetI2CBus())
		if err != nil {
			return nil, fmt.Errorf("failed to open I2C bus %q: %w", cfg.GetI2CBus(), err)
		}
		hw.closers = append(hw.closers, b.Close)
		hw.ranger = tof.NewVL53L0X(b, cfg.GetI2CAddr())
	case config.SensorTFmini:
		port, err := serialport.Open(cfg.GetSerialPath(), cfg.SerialOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.GetSerialPath(), err)
		}
		hw.ranger = tof.NewTFmini(port)
	case config.SensorFixture:
		fx, err := openFixture(fixturePath)
		if err != nil {
			return nil, err
		}
		hw.ranger = fx
	default:
		hw.abandon()
		return nil, fmt.Errorf("unknown sensor type %q", sensorType)
	}

	switch displayType {
	case config.DisplayMAX7219:
		m, err := face.OpenMAX7219(cfg.GetSPIPort(), cfg.GetModules(), cfg.GetIntensity())
		if err != nil {
			hw.abandon()
			return nil, fmt.Errorf("failed to open matrix on %s: %w", cfg.GetSPIPort(), err)
		}
		hw.matrix = m
	case config.DisplayMemory:
		hw.matrix = face.NewMemoryMatrix(cfg.MatrixSize())
	default:
		hw.abandon()
		return nil, fmt.Errorf("unknown display type %q", displayType)
	}
	return hw, nil
}

func openFixture(path string) (*tof.Fixture, error) {
	if path == "" {
		return tof.NewFixture(devScript...).Loop(), nil
	}
	fx, err := tof.LoadFixture(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load fixture: %w", err)
	}
	return fx, nil
}

// assemble wires the buses, renderer, policy engine, sampler and controller
// over hw.
func assemble(cfg *config.Config, hw *hardware, clock timeutil.Clock) (*device.Controller, error) {
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return nil, err
	}
	pol, err := cfg.BuildPolicy()
	if err != nil {
		return nil, err
	}
	if err := face.CheckFit(catalog, hw.matrix); err != nil {
		return nil, err
	}
	if err := pol.CheckExpressions(catalog.Has); err != nil {
		return nil, err
	}

	driver := tof.NewDriver(bus.New("i2c", hw.ranger, cfg.GetSensorBusTimeout()), cfg.DriverOptions(), clock)
	renderer := face.NewRenderer(bus.New("spi", hw.matrix, cfg.GetDisplayBusTimeout()), catalog, clock)
	engine := policy.NewEngine(pol, renderer, policy.Options{
		Holds:      catalog.Holds(),
		StaleAfter: cfg.GetStaleAfter(),
		Clock:      clock,
	})
	s := sampler.New(sampler.Config{
		Reader:      driver,
		Engine:      engine,
		Interval:    cfg.GetSampleInterval(),
		TickTimeout: cfg.GetTickTimeout(),
		Clock:       clock,
	})
	return device.New(device.Config{
		Driver:          driver,
		Renderer:        renderer,
		Engine:          engine,
		Sampler:         s,
		OnDemandTimeout: cfg.GetOnDemandTimeout(),
		Mode:            hw.mode,
		Clock:           clock,
	}), nil
}

// handler builds the full HTTP handler: public routes, debug pages and
// request logging.
func handler(ctl *device.Controller) http.Handler {
	srv := api.NewServer(ctl)
	mux := srv.ServeMux()
	srv.AttachAdminRoutes(mux)
	return api.LoggingMiddleware(mux)
}

// run shows the initial expression, then runs the sampler and the HTTP
// server until ctx is cancelled or either fails.
func run(ctx context.Context, ctl *device.Controller, addr string) error {
	ctl.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := ctl.Sampler().Run(ctx)
		monitoring.Logf("sampler routine terminated")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           handler(ctl),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
		return nil
	})

	return g.Wait()
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}

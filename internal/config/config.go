// Package config loads the appliance configuration file. Every field is
// optional: the Get* accessors supply the default for anything left unset,
// so an empty file (or no file at all) yields the stock device.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tofeyes/internal/bus"
	"github.com/banshee-data/tofeyes/internal/face"
	"github.com/banshee-data/tofeyes/internal/policy"
	"github.com/banshee-data/tofeyes/internal/serialport"
	"github.com/banshee-data/tofeyes/internal/tof"
)

// DefaultConfigPath is where the daemon looks when --config is not given.
const DefaultConfigPath = "config/tofeyes.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Sensor backends.
const (
	SensorVL53L0X = "vl53l0x"
	SensorTFmini  = "tfmini"
	SensorFixture = "fixture"
)

// Display backends.
const (
	DisplayMAX7219 = "max7219"
	DisplayMemory  = "memory"
)

// Config is the root of the configuration file.
type Config struct {
	Listen  *string       `json:"listen,omitempty" yaml:"listen,omitempty"`
	Sensor  SensorConfig  `json:"sensor" yaml:"sensor"`
	Display DisplayConfig `json:"display" yaml:"display"`
	Policy  PolicyConfig  `json:"policy" yaml:"policy"`
	Sampler SamplerConfig `json:"sampler" yaml:"sampler"`

	// OnDemandTimeout bounds each API-initiated operation.
	OnDemandTimeout *string `json:"on_demand_timeout,omitempty" yaml:"on_demand_timeout,omitempty" validate:"omitempty,duration"`
}

// SensorConfig selects and tunes the distance sensor.
type SensorConfig struct {
	Type        *string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=vl53l0x tfmini fixture"`
	I2CBus      *string `json:"i2c_bus,omitempty" yaml:"i2c_bus,omitempty"`
	I2CAddr     *int    `json:"i2c_addr,omitempty" yaml:"i2c_addr,omitempty" validate:"omitempty,gte=8,lte=119"`
	SerialPath  *string `json:"serial_path,omitempty" yaml:"serial_path,omitempty"`
	BaudRate    *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty" validate:"omitempty,gt=0"`
	FixturePath *string `json:"fixture_path,omitempty" yaml:"fixture_path,omitempty"`

	MedianWindow     *int    `json:"median_window,omitempty" yaml:"median_window,omitempty" validate:"omitempty,gte=1,lte=15"`
	MinRangeMM       *int    `json:"min_range_mm,omitempty" yaml:"min_range_mm,omitempty" validate:"omitempty,gte=0"`
	MaxRangeMM       *int    `json:"max_range_mm,omitempty" yaml:"max_range_mm,omitempty" validate:"omitempty,gt=0"`
	HandshakeTimeout *string `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty" validate:"omitempty,duration"`
	RangingTimeout   *string `json:"ranging_timeout,omitempty" yaml:"ranging_timeout,omitempty" validate:"omitempty,duration"`
	BusTimeout       *string `json:"bus_timeout,omitempty" yaml:"bus_timeout,omitempty" validate:"omitempty,duration"`
}

// DisplayConfig selects the LED matrix and extends the expression catalog.
type DisplayConfig struct {
	Type       *string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=max7219 memory"`
	SPIPort    *string `json:"spi_port,omitempty" yaml:"spi_port,omitempty"`
	Modules    *int    `json:"modules,omitempty" yaml:"modules,omitempty" validate:"omitempty,gte=1,lte=8"`
	Intensity  *int    `json:"intensity,omitempty" yaml:"intensity,omitempty" validate:"omitempty,gte=0,lte=15"`
	BusTimeout *string `json:"bus_timeout,omitempty" yaml:"bus_timeout,omitempty" validate:"omitempty,duration"`

	// Expressions are added to the built-in set, replacing any with the
	// same name.
	Expressions []ExpressionConfig `json:"expressions,omitempty" yaml:"expressions,omitempty" validate:"omitempty,dive"`
}

// ExpressionConfig describes one expression as rows of '#' (on) and '.'
// (off) cells.
type ExpressionConfig struct {
	Name string   `json:"name" yaml:"name" validate:"required"`
	Rows []string `json:"rows" yaml:"rows" validate:"required,min=1,dive,required"`
	Hold *string  `json:"hold,omitempty" yaml:"hold,omitempty" validate:"omitempty,duration"`
}

// PolicyConfig tunes the reactive policy.
type PolicyConfig struct {
	Zones             []policy.Zone `json:"zones,omitempty" yaml:"zones,omitempty"`
	HysteresisMM      *int          `json:"hysteresis_mm,omitempty" yaml:"hysteresis_mm,omitempty" validate:"omitempty,gte=0"`
	StabilityCount    *int          `json:"stability_count,omitempty" yaml:"stability_count,omitempty" validate:"omitempty,gte=1"`
	InitialExpression *string       `json:"initial_expression,omitempty" yaml:"initial_expression,omitempty" validate:"omitempty,min=1"`
	StaleAfter        *string       `json:"stale_after,omitempty" yaml:"stale_after,omitempty" validate:"omitempty,duration"`
}

// SamplerConfig tunes the periodic sampling loop.
type SamplerConfig struct {
	Interval    *string `json:"interval,omitempty" yaml:"interval,omitempty" validate:"omitempty,duration"`
	TickTimeout *string `json:"tick_timeout,omitempty" yaml:"tick_timeout,omitempty" validate:"omitempty,duration"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("duration", validateDuration)
}

// validateDuration accepts strings time.ParseDuration understands with a
// positive result.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a JSON or YAML config file. The file must have a .json, .yaml
// or .yml extension and be under 1MB. Omitted fields keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and that the policy and catalog can be built
// from the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.GetMaxRangeMM() <= c.GetMinRangeMM() {
		return fmt.Errorf("max_range_mm (%d) must exceed min_range_mm (%d)", c.GetMaxRangeMM(), c.GetMinRangeMM())
	}
	if c.GetMedianWindow()%2 == 0 {
		return fmt.Errorf("median_window must be odd, got %d", c.GetMedianWindow())
	}
	cat, err := c.BuildCatalog()
	if err != nil {
		return err
	}
	p, err := c.BuildPolicy()
	if err != nil {
		return err
	}
	return p.CheckExpressions(cat.Has)
}

// BuildPolicy returns the reactive policy described by the configuration.
func (c *Config) BuildPolicy() (*policy.Policy, error) {
	zones := c.Policy.Zones
	if len(zones) == 0 {
		zones = policy.DefaultZones()
	}
	return policy.NewPolicy(zones, c.GetHysteresisMM(), c.GetStabilityCount(), c.GetInitialExpression())
}

// BuildCatalog returns the expression catalog sized for the configured
// matrix. The built-in expressions are included when the matrix is the
// default 16×8; other sizes start from a blank "off" expression.
func (c *Config) BuildCatalog() (*face.Catalog, error) {
	width, height := c.MatrixSize()

	var exprs []face.Expression
	if width == face.DefaultWidth && height == face.DefaultHeight {
		exprs = face.DefaultExpressions()
	} else {
		exprs = []face.Expression{{Name: face.BlankName, Bitmap: face.BlankBitmap(width, height)}}
	}
	index := make(map[string]int, len(exprs))
	for i, e := range exprs {
		index[e.Name] = i
	}

	for _, ec := range c.Display.Expressions {
		bm, err := face.ParseBitmap(ec.Rows)
		if err != nil {
			return nil, fmt.Errorf("expression %q: %w", ec.Name, err)
		}
		e := face.Expression{Name: ec.Name, Bitmap: bm, DefaultHold: parseDuration(ec.Hold, 0)}
		if i, ok := index[ec.Name]; ok {
			exprs[i] = e
			continue
		}
		index[ec.Name] = len(exprs)
		exprs = append(exprs, e)
	}
	return face.NewCatalog(width, height, exprs...)
}

// DriverOptions returns the sensor driver options.
func (c *Config) DriverOptions() tof.Options {
	return tof.Options{
		MedianWindow:     c.GetMedianWindow(),
		MinRangeMM:       c.GetMinRangeMM(),
		MaxRangeMM:       c.GetMaxRangeMM(),
		HandshakeTimeout: c.GetHandshakeTimeout(),
		RangingTimeout:   c.GetRangingTimeout(),
		ReadInterval:     c.GetSampleInterval(),
	}
}

// SerialOptions returns the UART options for the TFmini backend.
func (c *Config) SerialOptions() serialport.PortOptions {
	return serialport.PortOptions{BaudRate: c.GetBaudRate()}
}

// MatrixSize returns the size of the configured LED matrix.
func (c *Config) MatrixSize() (width, height int) {
	return 8 * c.GetModules(), face.DefaultHeight
}

func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetListen returns the HTTP listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":5000"
	}
	return *c.Listen
}

// GetOnDemandTimeout returns the on_demand_timeout value or the default.
func (c *Config) GetOnDemandTimeout() time.Duration {
	return parseDuration(c.OnDemandTimeout, 2*time.Second)
}

// GetSensorType returns the sensor backend or the default.
func (c *Config) GetSensorType() string {
	if c.Sensor.Type == nil || *c.Sensor.Type == "" {
		return SensorVL53L0X
	}
	return *c.Sensor.Type
}

// GetI2CBus returns the I²C bus name. Empty selects the first bus found.
func (c *Config) GetI2CBus() string {
	if c.Sensor.I2CBus == nil {
		return ""
	}
	return *c.Sensor.I2CBus
}

// GetI2CAddr returns the sensor's I²C address or the default.
func (c *Config) GetI2CAddr() uint16 {
	if c.Sensor.I2CAddr == nil {
		return tof.DefaultVL53L0XAddr
	}
	return uint16(*c.Sensor.I2CAddr)
}

// GetSerialPath returns the TFmini UART device path or the default.
func (c *Config) GetSerialPath() string {
	if c.Sensor.SerialPath == nil || *c.Sensor.SerialPath == "" {
		return "/dev/serial0"
	}
	return *c.Sensor.SerialPath
}

// GetBaudRate returns the UART baud rate or the default.
func (c *Config) GetBaudRate() int {
	if c.Sensor.BaudRate == nil {
		return serialport.DefaultBaudRate
	}
	return *c.Sensor.BaudRate
}

// GetFixturePath returns the fixture file used by the fixture sensor.
// Empty means a built-in approach-and-retreat script.
func (c *Config) GetFixturePath() string {
	if c.Sensor.FixturePath == nil {
		return ""
	}
	return *c.Sensor.FixturePath
}

// GetMedianWindow returns the median_window value or the default.
func (c *Config) GetMedianWindow() int {
	if c.Sensor.MedianWindow == nil {
		return 3
	}
	return *c.Sensor.MedianWindow
}

// GetMinRangeMM returns the min_range_mm value or the default.
func (c *Config) GetMinRangeMM() int {
	if c.Sensor.MinRangeMM == nil {
		return 0
	}
	return *c.Sensor.MinRangeMM
}

// GetMaxRangeMM returns the max_range_mm value or the default.
func (c *Config) GetMaxRangeMM() int {
	if c.Sensor.MaxRangeMM == nil {
		return 2000
	}
	return *c.Sensor.MaxRangeMM
}

// GetHandshakeTimeout returns the handshake_timeout value or the default.
func (c *Config) GetHandshakeTimeout() time.Duration {
	return parseDuration(c.Sensor.HandshakeTimeout, 500*time.Millisecond)
}

// GetRangingTimeout returns the ranging_timeout value or the default.
func (c *Config) GetRangingTimeout() time.Duration {
	return parseDuration(c.Sensor.RangingTimeout, 100*time.Millisecond)
}

// GetSensorBusTimeout returns how long callers wait for the sensor bus.
func (c *Config) GetSensorBusTimeout() time.Duration {
	return parseDuration(c.Sensor.BusTimeout, bus.DefaultAcquireTimeout)
}

// GetDisplayType returns the display backend or the default.
func (c *Config) GetDisplayType() string {
	if c.Display.Type == nil || *c.Display.Type == "" {
		return DisplayMAX7219
	}
	return *c.Display.Type
}

// GetSPIPort returns the SPI port name or the default.
func (c *Config) GetSPIPort() string {
	if c.Display.SPIPort == nil || *c.Display.SPIPort == "" {
		return "SPI0.0"
	}
	return *c.Display.SPIPort
}

// GetModules returns the number of cascaded 8×8 modules or the default.
func (c *Config) GetModules() int {
	if c.Display.Modules == nil {
		return face.DefaultWidth / 8
	}
	return *c.Display.Modules
}

// GetIntensity returns the LED intensity (0-15) or the default.
func (c *Config) GetIntensity() byte {
	if c.Display.Intensity == nil {
		return 4
	}
	return byte(*c.Display.Intensity)
}

// GetDisplayBusTimeout returns how long callers wait for the matrix bus.
func (c *Config) GetDisplayBusTimeout() time.Duration {
	return parseDuration(c.Display.BusTimeout, bus.DefaultAcquireTimeout)
}

// GetHysteresisMM returns the hysteresis_mm value or the default.
func (c *Config) GetHysteresisMM() int {
	if c.Policy.HysteresisMM == nil {
		return policy.DefaultHysteresisMM
	}
	return *c.Policy.HysteresisMM
}

// GetStabilityCount returns the stability_count value or the default.
func (c *Config) GetStabilityCount() int {
	if c.Policy.StabilityCount == nil {
		return policy.DefaultStabilityCount
	}
	return *c.Policy.StabilityCount
}

// GetInitialExpression returns the initial_expression value or the default.
func (c *Config) GetInitialExpression() string {
	if c.Policy.InitialExpression == nil || *c.Policy.InitialExpression == "" {
		return policy.DefaultInitialExpression
	}
	return *c.Policy.InitialExpression
}

// GetStaleAfter returns the stale_after value or the default.
func (c *Config) GetStaleAfter() time.Duration {
	return parseDuration(c.Policy.StaleAfter, time.Second)
}

// GetSampleInterval returns the sampler interval or the default.
func (c *Config) GetSampleInterval() time.Duration {
	return parseDuration(c.Sampler.Interval, 100*time.Millisecond)
}

// GetTickTimeout returns the per-tick deadline or the default.
func (c *Config) GetTickTimeout() time.Duration {
	return parseDuration(c.Sampler.TickTimeout, time.Second)
}

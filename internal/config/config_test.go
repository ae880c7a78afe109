package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/tofeyes/internal/face"
	"github.com/banshee-data/tofeyes/internal/policy"
	"github.com/banshee-data/tofeyes/internal/tof"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}

	if got := cfg.GetListen(); got != ":5000" {
		t.Errorf("GetListen() = %q, want :5000", got)
	}
	if got := cfg.GetSensorType(); got != SensorVL53L0X {
		t.Errorf("GetSensorType() = %q, want %q", got, SensorVL53L0X)
	}
	if got := cfg.GetI2CAddr(); got != 0x29 {
		t.Errorf("GetI2CAddr() = %#x, want 0x29", got)
	}
	if got := cfg.GetDisplayType(); got != DisplayMAX7219 {
		t.Errorf("GetDisplayType() = %q, want %q", got, DisplayMAX7219)
	}
	if got := cfg.GetSampleInterval(); got != 100*time.Millisecond {
		t.Errorf("GetSampleInterval() = %v, want 100ms", got)
	}
	if got := cfg.GetOnDemandTimeout(); got != 2*time.Second {
		t.Errorf("GetOnDemandTimeout() = %v, want 2s", got)
	}
	if got := cfg.GetStaleAfter(); got != time.Second {
		t.Errorf("GetStaleAfter() = %v, want 1s", got)
	}
	if got := cfg.GetSensorBusTimeout(); got != 250*time.Millisecond {
		t.Errorf("GetSensorBusTimeout() = %v, want 250ms", got)
	}
	if w, h := cfg.MatrixSize(); w != 16 || h != 8 {
		t.Errorf("MatrixSize() = %dx%d, want 16x8", w, h)
	}

	want := tof.Options{
		MedianWindow:     3,
		MinRangeMM:       0,
		MaxRangeMM:       2000,
		HandshakeTimeout: 500 * time.Millisecond,
		RangingTimeout:   100 * time.Millisecond,
		ReadInterval:     100 * time.Millisecond,
	}
	if got := cfg.DriverOptions(); got != want {
		t.Errorf("DriverOptions() = %+v, want %+v", got, want)
	}
}

func TestBuildPolicyDefaults(t *testing.T) {
	p, err := Empty().BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy: %v", err)
	}
	if p.HysteresisMM() != 20 || p.StabilityCount() != 2 || p.InitialExpression() != "normal" {
		t.Errorf("unexpected policy %d/%d/%q", p.HysteresisMM(), p.StabilityCount(), p.InitialExpression())
	}
	if len(p.Zones()) != len(policy.DefaultZones()) {
		t.Errorf("expected default zones, got %v", p.Zones())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "tofeyes.yaml", `
listen: "127.0.0.1:8080"
sensor:
  type: fixture
  median_window: 5
  max_range_mm: 1200
  ranging_timeout: 50ms
display:
  type: memory
  intensity: 9
  expressions:
    - name: dot
      hold: 2s
      rows:
        - "........ ........"
        - "........ ........"
        - "........ ........"
        - "...##... ...##..."
        - "...##... ...##..."
        - "........ ........"
        - "........ ........"
        - "........ ........"
policy:
  stability_count: 3
  zones:
    - {name: near, min_mm: 0, max_mm: 500, expression: dot}
    - {name: far, min_mm: 500, expression: sad}
sampler:
  interval: 250ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.GetListen(); got != "127.0.0.1:8080" {
		t.Errorf("GetListen() = %q", got)
	}
	if got := cfg.GetSensorType(); got != SensorFixture {
		t.Errorf("GetSensorType() = %q", got)
	}
	if got := cfg.GetIntensity(); got != 9 {
		t.Errorf("GetIntensity() = %d, want 9", got)
	}
	opts := cfg.DriverOptions()
	if opts.MedianWindow != 5 || opts.MaxRangeMM != 1200 || opts.RangingTimeout != 50*time.Millisecond {
		t.Errorf("DriverOptions() = %+v", opts)
	}
	if opts.ReadInterval != 250*time.Millisecond {
		t.Errorf("ReadInterval = %v, want 250ms", opts.ReadInterval)
	}

	cat, err := cfg.BuildCatalog()
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	if !cat.Has("dot") || !cat.Has("normal") {
		t.Errorf("catalog missing expressions: %v", cat.Names())
	}
	dot, _ := cat.Get("dot")
	if dot.DefaultHold != 2*time.Second || dot.Bitmap.Lit() != 8 {
		t.Errorf("dot = hold %v lit %d", dot.DefaultHold, dot.Bitmap.Lit())
	}

	p, err := cfg.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy: %v", err)
	}
	if p.StabilityCount() != 3 || len(p.Zones()) != 2 {
		t.Errorf("unexpected policy: n=%d zones=%v", p.StabilityCount(), p.Zones())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "tofeyes.json", `{
  "sensor": {"type": "tfmini", "serial_path": "/dev/ttyUSB0", "baud_rate": 9600},
  "policy": {"hysteresis_mm": 0, "initial_expression": "sad"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetSerialPath() != "/dev/ttyUSB0" || cfg.SerialOptions().BaudRate != 9600 {
		t.Errorf("serial = %q @ %d", cfg.GetSerialPath(), cfg.SerialOptions().BaudRate)
	}
	if cfg.GetHysteresisMM() != 0 {
		t.Errorf("explicit zero hysteresis should be kept, got %d", cfg.GetHysteresisMM())
	}
	if cfg.GetInitialExpression() != "sad" {
		t.Errorf("GetInitialExpression() = %q", cfg.GetInitialExpression())
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../config/tofeyes.example.yaml")
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}
	cat, err := cfg.BuildCatalog()
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	if !cat.Has("surprised") {
		t.Errorf("expected the example's custom expression, got %v", cat.Names())
	}
	if _, err := tof.LoadFixture("../../" + cfg.GetFixturePath()); err != nil {
		t.Errorf("example fixture should parse: %v", err)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "tofeyes.toml", `listen = ":1"`, "extension"},
		{"bad yaml", "c.yaml", "sensor: [", "failed to parse"},
		{"bad json", "c.json", "{", "failed to parse"},
		{"unknown sensor", "c.yaml", "sensor: {type: lidar}", "oneof"},
		{"bad duration", "c.yaml", "sampler: {interval: soon}", "duration"},
		{"negative duration", "c.yaml", "sampler: {interval: -1s}", "duration"},
		{"i2c address", "c.yaml", "sensor: {i2c_addr: 200}", "lte"},
		{"intensity", "c.yaml", "display: {intensity: 16}", "lte"},
		{"stability", "c.yaml", "policy: {stability_count: 0}", "gte"},
		{"even window", "c.yaml", "sensor: {median_window: 4}", "odd"},
		{"range", "c.yaml", "sensor: {min_range_mm: 500, max_range_mm: 400}", "must exceed"},
		{"gap", "c.yaml", `
policy:
  zones:
    - {min_mm: 0, max_mm: 100, expression: love}
    - {min_mm: 200, expression: sad}
`, "previous zone ends"},
		{"unknown expression", "c.yaml", `
policy:
  zones:
    - {min_mm: 0, expression: grumpy}
`, "unknown expression"},
		{"ragged rows", "c.yaml", `
display:
  expressions:
    - {name: bad, rows: ["##", "#"]}
`, "bad"},
		{"wrong size", "c.yaml", `
display:
  expressions:
    - {name: small, rows: ["########"]}
`, "matrix is 16x8"},
		{"nameless expression", "c.yaml", `
display:
  expressions:
    - {rows: ["#"]}
`, "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTooLarge(t *testing.T) {
	body := "listen: \":5000\"\n" + strings.Repeat("#", maxFileSize)
	_, err := Load(writeConfig(t, "big.yaml", body))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "stat") {
		t.Errorf("expected stat error, got %v", err)
	}
}

func TestBuildCatalogNonDefaultSize(t *testing.T) {
	cfg := Empty()
	cfg.Display.Modules = ptrInt(1)
	cfg.Display.Expressions = []ExpressionConfig{{
		Name: "eye",
		Rows: []string{"..####..", ".#....#.", "#......#", "#..##..#", "#..##..#", "#......#", ".#....#.", "..####.."},
	}}
	cfg.Policy.InitialExpression = ptrString("eye")
	cfg.Policy.Zones = []policy.Zone{{MinMM: 0, Expression: "eye"}}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cat, err := cfg.BuildCatalog()
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	if w, h := cat.Size(); w != 8 || h != 8 {
		t.Errorf("catalog size = %dx%d, want 8x8", w, h)
	}
	if got := cat.Names(); len(got) != 2 || got[0] != "eye" || got[1] != face.BlankName {
		t.Errorf("Names() = %v, want [eye off]", got)
	}
}

func TestBuildCatalogReplacesBuiltin(t *testing.T) {
	cfg := Empty()
	rows := make([]string, 8)
	for i := range rows {
		rows[i] = "################"
	}
	cfg.Display.Expressions = []ExpressionConfig{{Name: "happy", Rows: rows}}

	cat, err := cfg.BuildCatalog()
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	happy, _ := cat.Get("happy")
	if happy.Bitmap.Lit() != 16*8 {
		t.Errorf("happy was not replaced, lit=%d", happy.Bitmap.Lit())
	}
	if len(cat.Names()) != len(face.DefaultExpressions()) {
		t.Errorf("replacing should not add a name: %v", cat.Names())
	}
}

func TestParseDurationFallback(t *testing.T) {
	if got := parseDuration(nil, time.Second); got != time.Second {
		t.Errorf("nil = %v", got)
	}
	if got := parseDuration(ptrString("nope"), time.Second); got != time.Second {
		t.Errorf("invalid = %v", got)
	}
	if got := parseDuration(ptrString("3ms"), time.Second); got != 3*time.Millisecond {
		t.Errorf("3ms = %v", got)
	}
}

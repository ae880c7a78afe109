// Package testutil provides shared test utilities and fixtures.
//
// DeviceRig assembles the full device stack over a fixture sensor, an
// in-memory matrix and a mock clock so that handler and process tests can
// drive real components without hardware.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/tofeyes/internal/bus"
	"github.com/banshee-data/tofeyes/internal/device"
	"github.com/banshee-data/tofeyes/internal/face"
	"github.com/banshee-data/tofeyes/internal/policy"
	"github.com/banshee-data/tofeyes/internal/sampler"
	"github.com/banshee-data/tofeyes/internal/timeutil"
	"github.com/banshee-data/tofeyes/internal/tof"
)

// Epoch is the mock clock's starting time.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// DeviceRig is a controller wired to test doubles.
type DeviceRig struct {
	Controller *device.Controller
	Fixture    *tof.Fixture
	Matrix     *face.MemoryMatrix
	Clock      *timeutil.MockClock
	Catalog    *face.Catalog
}

// NewDeviceRig returns a rig reading from fx with the default catalog and
// policy. The rig is shut down when the test ends.
func NewDeviceRig(t *testing.T, fx *tof.Fixture) *DeviceRig {
	t.Helper()
	clock := timeutil.NewMockClock(Epoch)
	matrix := face.NewMemoryMatrix(face.DefaultWidth, face.DefaultHeight)
	catalog := face.DefaultCatalog()

	driver := tof.NewDriver(bus.New[tof.Ranger]("i2c", fx, 50*time.Millisecond), tof.Options{}, clock)
	renderer := face.NewRenderer(bus.New[face.Matrix]("spi", matrix, 50*time.Millisecond), catalog, clock)
	engine := policy.NewEngine(policy.MustDefault(), renderer, policy.Options{Clock: clock, StaleAfter: time.Second})
	s := sampler.New(sampler.Config{Reader: driver, Engine: engine, Clock: clock})

	ctl := device.New(device.Config{
		Driver:   driver,
		Renderer: renderer,
		Engine:   engine,
		Sampler:  s,
		Mode:     device.ModeDev,
		Clock:    clock,
	})
	t.Cleanup(func() { ctl.StopAnimation() })
	return &DeviceRig{Controller: ctl, Fixture: fx, Matrix: matrix, Clock: clock, Catalog: catalog}
}

// Shown returns the catalog name of the last frame written, or "" if the
// frame matches no expression.
func (r *DeviceRig) Shown() string {
	last, ok := r.Matrix.Last()
	if !ok {
		return ""
	}
	for _, n := range r.Catalog.Names() {
		if e, _ := r.Catalog.Get(n); e.Bitmap.Equal(last) {
			return n
		}
	}
	return ""
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// DecodeJSON decodes the recorder body into a T, failing the test on error.
func DecodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// NewLocalRequest creates a test request that appears to come from
// localhost, which tsweb's debug access check requires.
func NewLocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/tofeyes/internal/config"
	"github.com/banshee-data/tofeyes/internal/device"
	"github.com/banshee-data/tofeyes/internal/face"
	"github.com/banshee-data/tofeyes/internal/timeutil"
	"github.com/banshee-data/tofeyes/internal/tof"
)

func TestFlagDefaults(t *testing.T) {
	if *devMode {
		t.Error("expected --dev to default to false")
	}
	if *listen != "" {
		t.Errorf("expected --listen to default to empty, got %q", *listen)
	}
	if *configPath != "" {
		t.Errorf("expected --config to default to empty, got %q", *configPath)
	}
}

func TestOpenHardwareDevMode(t *testing.T) {
	hw, err := openHardware(config.Empty(), true, "")
	if err != nil {
		t.Fatalf("openHardware: %v", err)
	}
	defer hw.close()

	if hw.mode != device.ModeDev {
		t.Errorf("mode = %q, want %q", hw.mode, device.ModeDev)
	}
	if _, ok := hw.ranger.(*tof.Fixture); !ok {
		t.Errorf("ranger = %T, want *tof.Fixture", hw.ranger)
	}
	mm, ok := hw.matrix.(*face.MemoryMatrix)
	if !ok {
		t.Fatalf("matrix = %T, want *face.MemoryMatrix", hw.matrix)
	}
	w, h := mm.Size()
	if w != face.DefaultWidth || h != face.DefaultHeight {
		t.Errorf("matrix size = %dx%d, want %dx%d", w, h, face.DefaultWidth, face.DefaultHeight)
	}
}

func TestOpenHardwareFixtureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.fixture")
	if err := os.WriteFile(path, []byte("300\n300\n300\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hw, err := openHardware(config.Empty(), true, path)
	if err != nil {
		t.Fatalf("openHardware: %v", err)
	}
	defer hw.close()

	ctl, err := assemble(config.Empty(), hw, timeutil.NewMockClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	// The fixture loops, so reads keep succeeding past the end of the file.
	for i := 0; i < 3; i++ {
		s, err := ctl.ReadDistance(context.Background())
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got, _ := s.Value(); got != 300 {
			t.Errorf("read %d = %d mm, want 300", i, got)
		}
	}
}

func TestOpenHardwareMissingFixture(t *testing.T) {
	if _, err := openHardware(config.Empty(), true, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error for a missing fixture file")
	}
}

// closeCounter is a ranger that counts Close calls.
type closeCounter struct {
	*tof.Fixture
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestHardwareAbandonClosesDevices(t *testing.T) {
	ranger := &closeCounter{Fixture: tof.NewFixture(500)}
	extra := 0
	hw := &hardware{
		ranger:  ranger,
		matrix:  face.NewMemoryMatrix(face.DefaultWidth, face.DefaultHeight),
		closers: []func() error{func() error { extra++; return nil }},
	}

	hw.abandon()

	if ranger.closes != 1 {
		t.Errorf("ranger closed %d times, want 1", ranger.closes)
	}
	if extra != 1 {
		t.Errorf("extra handle closed %d times, want 1", extra)
	}
	if err := hw.matrix.WriteFrame(context.Background(), face.BlankBitmap(face.DefaultWidth, face.DefaultHeight)); err == nil {
		t.Error("expected writes to a closed matrix to fail")
	}
}

func TestHardwareAbandonWithoutMatrix(t *testing.T) {
	ranger := &closeCounter{Fixture: tof.NewFixture(500)}
	hw := &hardware{ranger: ranger}

	hw.abandon()

	if ranger.closes != 1 {
		t.Errorf("ranger closed %d times, want 1", ranger.closes)
	}
}

func TestShutdownThenCloseReleasesOnce(t *testing.T) {
	ranger := &closeCounter{Fixture: tof.NewFixture(500).Loop()}
	extra := 0
	hw := &hardware{
		ranger:  ranger,
		matrix:  face.NewMemoryMatrix(face.DefaultWidth, face.DefaultHeight),
		mode:    device.ModeDev,
		closers: []func() error{func() error { extra++; return nil }},
	}
	ctl, err := assemble(config.Empty(), hw, timeutil.NewMockClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if err := ctl.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	hw.close()

	if ranger.closes != 1 {
		t.Errorf("ranger closed %d times, want 1", ranger.closes)
	}
	if extra != 1 {
		t.Errorf("extra handle closed %d times, want 1", extra)
	}
}

func TestAssembleRejectsMismatchedMatrix(t *testing.T) {
	hw := &hardware{
		ranger: tof.NewFixture(500).Loop(),
		matrix: face.NewMemoryMatrix(8, 8),
		mode:   device.ModeDev,
	}
	if _, err := assemble(config.Empty(), hw, timeutil.NewMockClock(time.Unix(0, 0))); err == nil {
		t.Fatal("expected the 16x8 catalog to be rejected on an 8x8 matrix")
	}
}

func TestHandlerRoutes(t *testing.T) {
	hw, err := openHardware(config.Empty(), true, "")
	if err != nil {
		t.Fatalf("openHardware: %v", err)
	}
	defer hw.close()
	ctl, err := assemble(config.Empty(), hw, timeutil.NewMockClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	ctl.Start(context.Background())
	h := handler(ctl)

	got := map[string]int{}
	for _, path := range []string{"/health", "/led/expressions", "/metrics", "/debug/state"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:12345"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		got[path] = rec.Code
	}
	want := map[string]int{
		"/health":          http.StatusOK,
		"/led/expressions": http.StatusOK,
		"/metrics":         http.StatusOK,
		"/debug/state":     http.StatusOK,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status codes mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	hw, err := openHardware(config.Empty(), true, "")
	if err != nil {
		t.Fatalf("openHardware: %v", err)
	}
	defer hw.close()
	ctl, err := assemble(config.Empty(), hw, timeutil.RealClock{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, ctl, "127.0.0.1:0") }()

	time.Sleep(400 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	if err := ctl.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if ticks, _ := ctl.Sampler().Stats(); ticks == 0 {
		t.Error("expected the sampler to tick at least once")
	}
	if got := hw.matrix.(*face.MemoryMatrix).Frames(); len(got) == 0 {
		t.Error("expected frames to be written")
	}
}

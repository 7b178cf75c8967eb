package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/camlux/internal/config"
	"github.com/cjeanneret/camlux/internal/debug"
	"github.com/cjeanneret/camlux/internal/hw/button"
	"github.com/cjeanneret/camlux/internal/hw/camera"
	"github.com/cjeanneret/camlux/internal/hw/gpio"
	"github.com/cjeanneret/camlux/internal/hw/led"
	"github.com/cjeanneret/camlux/internal/logic/capture"
	"github.com/cjeanneret/camlux/internal/logic/luminosity"
	"github.com/cjeanneret/camlux/internal/logic/pipeline"
	"github.com/cjeanneret/camlux/internal/media"
	"github.com/cjeanneret/camlux/internal/permission"
	"github.com/cjeanneret/camlux/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	device := flag.String("device", "", "override camera device (e.g. /dev/video1)")
	lens := flag.String("lens", "", "override lens facing (front|back)")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	shots := flag.Int("shots", 0, "take N photos one second apart, then exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := cliOverrides{Device: *device, Lens: *lens, DebugLevel: *debugLevel}
	if err := validateCLIOverrides(overrides, *shots); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	broadcaster := web.NewStatusBroadcaster()
	if webPort.port() > 0 {
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	debug.Step(1, "Checking permissions")
	gate := permission.NewGate(permission.FromConfig(cfg)...)
	if st := gate.Check(); !st.AllGranted {
		st = gate.Request()
		if webPort.port() == 0 {
			log.Fatalf("%s (denied: %s)", st.Message(), deniedNames(st))
		}
		debug.Info("%s; capture disabled until granted", st.Message())
	}

	debug.Step(2, "Starting camera")
	debug.PrintStruct("Camera config", cfg.Camera)
	pool := camera.NewPool(cfg.Camera.Width, cfg.Camera.Height)
	src, err := newSourceFromConfig(cfg, pool)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	session := pipeline.NewSession(src, cfg.Analysis.QueueSize, !cfg.Analysis.Disabled)

	debug.Step(3, "Starting luminosity analysis")
	tracker := luminosity.NewTracker(cfg.Analysis.HistorySize)
	tracker.OnSample(web.NewLumaPublisher(broadcaster, time.Second).Publish)
	var worker *luminosity.Worker
	workerDone := make(chan struct{})
	if frames := session.Frames(); frames != nil {
		var n uint64
		analyzer := luminosity.NewAnalyzer(func(luma float64) {
			n++
			debug.Sample(n, luma)
			tracker.Record(luma)
		})
		worker = luminosity.NewWorker(analyzer, frames)
		go func() {
			defer close(workerDone)
			worker.Run(context.Background()) // ends when the session closes the channel
		}()
	} else {
		close(workerDone)
		debug.Info("Luminosity analysis disabled")
	}

	if err := session.Start(ctx); err != nil {
		if webPort.port() == 0 {
			log.Fatalf("start camera failed: %v", err)
		}
		debug.Error(fmt.Errorf("start camera: %w", err))
	}
	defer func() {
		session.Stop()
		<-workerDone
		printStats(session, worker)
	}()

	debug.Step(4, "Opening media store")
	store, err := media.Open(cfg.Storage.Root, cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("open media store failed: %v", err)
	}
	defer store.Close()
	debug.Value("Media root", cfg.Storage.Root)

	imgCapture := capture.NewImageCapture(session, store,
		capture.WithMirror(cfg.Mirrored()),
		capture.WithJPEGQuality(cfg.Storage.JPEGQuality),
	)
	newOptions := func() capture.OutputOptions {
		return capture.DefaultOutputOptions(time.Now(), cfg.Storage)
	}

	var indicator *led.Indicator
	if cfg.Button.Enabled {
		debug.Step(5, "Initializing shutter button")
		gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			log.Fatalf("init GPIO failed: %v", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}()
		if cfg.Button.LEDPin > 0 {
			if indicator, err = led.New(gpioDriver, cfg.Button.LEDPin, cfg.Blink()); err != nil {
				log.Fatalf("init LED failed: %v", err)
			}
		}
		btn, err := button.New(gpioDriver, cfg.Button.Pin, cfg.Debounce())
		if err != nil {
			log.Fatalf("init button failed: %v", err)
		}
		go func() {
			err := btn.Watch(ctx, func() {
				if !gate.Check().AllGranted {
					indicator.Blink(led.BlinksError)
					return
				}
				if imgCapture.Busy() {
					debug.Verbose("Capture already in progress, press ignored")
					return
				}
				imgCapture.TakePicture(ctx, newOptions(), feedbackCallbacks(broadcaster, indicator))
			})
			if err != nil && ctx.Err() == nil {
				debug.Error(fmt.Errorf("shutter button: %w", err))
			}
		}()
	}

	if *shots > 0 {
		debug.Section("Taking photos")
		results, err := runShots(ctx, imgCapture, *shots, time.Second, newOptions)
		for _, r := range results {
			fmt.Println(r.SavedURI)
		}
		if err != nil {
			log.Printf("capture failed: %v", err)
		}
		return
	}

	if port := webPort.port(); port > 0 {
		srv := web.NewServer(fmt.Sprintf(":%d", port), web.Deps{
			Broadcaster: broadcaster,
			Capture:     imgCapture,
			NewOptions:  newOptions,
			OnCaptured:  func(err *capture.Error) { blinkResult(indicator, err) },
			Luma:        lumaSource(worker, tracker),
			Media:       store,
			Gate:        gate,
			Config:      configView(cfg),
			Stats:       func() map[string]any { return stats(session, worker, imgCapture) },
		})
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	debug.Live("Running, press Ctrl+C to stop")
	select {
	case <-ctx.Done():
	case <-session.Done():
		if err := session.Err(); err != nil {
			log.Printf("camera stopped: %v", err)
		}
	}
}

// cliOverrides holds the flags that override configuration values.
// Empty strings and a negative debug level mean "use config".
type cliOverrides struct {
	Device     string
	Lens       string
	DebugLevel int
}

// validateCLIOverrides checks flag values before they are applied.
func validateCLIOverrides(o cliOverrides, shots int) error {
	if o.Device != "" && !strings.HasPrefix(o.Device, "/dev/") {
		return fmt.Errorf("device must be a /dev path, got %q", o.Device)
	}
	if o.Lens != "" && o.Lens != config.LensFront && o.Lens != config.LensBack {
		return fmt.Errorf("lens must be %q or %q, got %q", config.LensFront, config.LensBack, o.Lens)
	}
	if o.DebugLevel > 4 {
		return fmt.Errorf("debug must be between 0 and 4, got %d", o.DebugLevel)
	}
	if shots < 0 {
		return fmt.Errorf("shots must not be negative, got %d", shots)
	}
	return nil
}

// applyOverrides mutates cfg with the set overrides. The camera permission
// follows the device unless it was configured separately.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.Device != "" {
		if cfg.Permissions.CameraDevice == cfg.Camera.Device {
			cfg.Permissions.CameraDevice = o.Device
		}
		cfg.Camera.Device = o.Device
	}
	if o.Lens != "" {
		cfg.Camera.LensFacing = o.Lens
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newSourceFromConfig selects a camera source implementation.
func newSourceFromConfig(cfg *config.Config, pool *camera.Pool) (camera.Source, error) {
	switch cfg.Camera.Type {
	case config.CameraMock:
		return camera.NewMockSource(pool, cfg.FrameInterval()), nil
	case config.CameraRPiCam:
		return camera.NewRPiCamSource(pool, cfg.Camera.Command, cfg.Camera.FPS), nil
	case config.CameraV4L2:
		return camera.NewGstSource(pool, cfg.Camera.Device, cfg.Camera.FPS)
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// Taker takes one photo synchronously.
type Taker interface {
	Take(ctx context.Context, opts capture.OutputOptions) (capture.OutputResult, error)
}

// runShots takes n photos, interval apart, stopping at the first failure.
func runShots(ctx context.Context, t Taker, n int, interval time.Duration, newOptions func() capture.OutputOptions) ([]capture.OutputResult, error) {
	var results []capture.OutputResult
	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(interval):
			}
		}
		debug.Step(i+1, fmt.Sprintf("Photo %d/%d", i+1, n))
		res, err := t.Take(ctx, newOptions())
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// feedbackCallbacks reports a button-triggered capture as a toast and LED
// blinks.
func feedbackCallbacks(b *web.StatusBroadcaster, ind *led.Indicator) capture.Callbacks {
	return capture.Callbacks{
		OnImageSaved: func(res capture.OutputResult) {
			b.Toast("Photo capture succeeded: " + res.SavedURI)
			blinkResult(ind, nil)
		},
		OnError: func(err *capture.Error) {
			b.Broadcast(web.LevelError, "Photo capture failed: "+err.Error())
			blinkResult(ind, err)
		},
	}
}

func blinkResult(ind *led.Indicator, err *capture.Error) {
	n := led.BlinksSaved
	if err != nil {
		n = led.BlinksError
	}
	go func() {
		if err := ind.Blink(n); err != nil {
			debug.Error(fmt.Errorf("status LED: %w", err))
		}
	}()
}

func deniedNames(st permission.State) string {
	names := make([]string, len(st.Denied))
	for i, p := range st.Denied {
		names[i] = p.Name + " " + p.Path
	}
	return strings.Join(names, ", ")
}

// lumaSource returns nil when analysis is disabled so the web routes
// report it.
func lumaSource(w *luminosity.Worker, t *luminosity.Tracker) web.LumaSource {
	if w == nil {
		return nil
	}
	return t
}

func configView(cfg *config.Config) web.ConfigView {
	return web.ConfigView{
		CameraType:   cfg.Camera.Type,
		Width:        cfg.Camera.Width,
		Height:       cfg.Camera.Height,
		FPS:          cfg.Camera.FPS,
		LensFacing:   cfg.Camera.LensFacing,
		RelativePath: cfg.Storage.RelativePath,
		MIMEType:     cfg.Storage.MIMEType,
		Analysis:     !cfg.Analysis.Disabled,
	}
}

func stats(s *pipeline.Session, w *luminosity.Worker, c *capture.ImageCapture) map[string]any {
	out := map[string]any{
		"session": s.Stats(),
		"capture": c.Stats(),
	}
	if w != nil {
		out["analysis"] = w.Stats()
	}
	return out
}

func printStats(s *pipeline.Session, w *luminosity.Worker) {
	debug.Summary("Session Summary")
	debug.PrintStruct("Frames", s.Stats())
	if w != nil {
		debug.PrintStruct("Analysis", w.Stats())
	}
}

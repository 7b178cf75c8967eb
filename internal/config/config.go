package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported camera types.
const (
	CameraMock   = "mock"   // synthetic frames, no hardware
	CameraRPiCam = "rpicam" // rpicam-vid raw YUV420 on stdout
	CameraV4L2   = "v4l2"   // GStreamer v4l2src (requires -tags gstreamer)
)

// Lens facings.
const (
	LensFront = "front"
	LensBack  = "back"
)

// CameraConfig describes the preview/analysis camera.
// Type selects a concrete source implementation.
type CameraConfig struct {
	Type       string  `yaml:"type"`        // mock, rpicam or v4l2
	Device     string  `yaml:"device"`      // e.g. /dev/video0
	Width      int     `yaml:"width"`       // preview width in pixels (even)
	Height     int     `yaml:"height"`      // preview height in pixels (even)
	FPS        float64 `yaml:"fps"`         // preview frame rate
	LensFacing string  `yaml:"lens_facing"` // front or back
	Command    string  `yaml:"command"`     // rpicam-vid binary (rpicam only)
}

// AnalysisConfig controls the luminosity analysis worker.
type AnalysisConfig struct {
	Disabled    bool `yaml:"disabled"`
	QueueSize   int  `yaml:"queue_size"`   // frames buffered between camera and analyzer
	HistorySize int  `yaml:"history_size"` // samples kept for statistics and charts
}

// StorageConfig describes the shared media store.
type StorageConfig struct {
	Root         string `yaml:"root"`          // directory holding Pictures/, DCIM/
	RelativePath string `yaml:"relative_path"` // sub-path for new photos
	MIMEType     string `yaml:"mime_type"`     // image/jpeg or image/png
	JPEGQuality  int    `yaml:"jpeg_quality"`  // 1-100
	DBPath       string `yaml:"db_path"`       // sqlite index, default <root>/media.db
	MirrorFront  bool   `yaml:"mirror_front"`  // flip front lens stills horizontally
}

// ButtonConfig describes the physical shutter button and status LED.
// Pins use BCM numbering. The button is active LOW (wired to GND, pull-up on).
type ButtonConfig struct {
	Enabled    bool `yaml:"enabled"`
	Pin        int  `yaml:"pin"`
	LEDPin     int  `yaml:"led_pin"` // 0 = no LED
	DebounceMs int  `yaml:"debounce_ms"`
	BlinkMs    int  `yaml:"blink_ms"`
}

// PermissionsConfig lists the device nodes that must be accessible.
type PermissionsConfig struct {
	CameraDevice string `yaml:"camera_device"` // default: camera.device
	AudioDevice  string `yaml:"audio_device"`
	SkipAudio    bool   `yaml:"skip_audio"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Storage     StorageConfig     `yaml:"storage"`
	Button      ButtonConfig      `yaml:"button"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath rejects config paths that are empty, not .yaml, or not
// located directly inside a "configs" directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	// Camera
	switch c.Camera.Type {
	case "":
		return fmt.Errorf("camera.type is required")
	case CameraMock, CameraRPiCam, CameraV4L2:
	default:
		return fmt.Errorf("unsupported camera type: %s", c.Camera.Type)
	}
	if c.Camera.Device == "" {
		c.Camera.Device = "/dev/video0"
	}
	if c.Camera.Width == 0 {
		c.Camera.Width = 640
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = 480
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 || c.Camera.Width%2 != 0 || c.Camera.Height%2 != 0 {
		return fmt.Errorf("camera resolution must be positive and even, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	// rpicam-vid pads YUV420 rows to 64 bytes; other widths misalign every frame.
	if c.Camera.Type == CameraRPiCam && c.Camera.Width%64 != 0 {
		return fmt.Errorf("camera.width must be a multiple of 64 for rpicam, got %d", c.Camera.Width)
	}
	if c.Camera.FPS == 0 {
		c.Camera.FPS = 15
	}
	if math.IsNaN(c.Camera.FPS) || c.Camera.FPS < 0 || c.Camera.FPS > 120 {
		return fmt.Errorf("camera.fps must be between 0 and 120, got %g", c.Camera.FPS)
	}
	if c.Camera.LensFacing == "" {
		c.Camera.LensFacing = LensFront
	}
	if c.Camera.LensFacing != LensFront && c.Camera.LensFacing != LensBack {
		return fmt.Errorf("camera.lens_facing must be %q or %q, got %q", LensFront, LensBack, c.Camera.LensFacing)
	}
	if c.Camera.Command == "" {
		c.Camera.Command = "rpicam-vid"
	}

	// Analysis
	if c.Analysis.QueueSize <= 0 {
		c.Analysis.QueueSize = 1 // keep only the latest frame
	}
	if c.Analysis.HistorySize <= 0 {
		c.Analysis.HistorySize = 120
	}

	// Storage
	if c.Storage.Root == "" {
		c.Storage.Root = "media"
	}
	if c.Storage.RelativePath == "" {
		c.Storage.RelativePath = "Pictures/CameraX-Image"
	}
	if filepath.IsAbs(c.Storage.RelativePath) {
		return fmt.Errorf("storage.relative_path must be relative, got %q", c.Storage.RelativePath)
	}
	if c.Storage.MIMEType == "" {
		c.Storage.MIMEType = "image/jpeg"
	}
	if c.Storage.MIMEType != "image/jpeg" && c.Storage.MIMEType != "image/png" {
		return fmt.Errorf("storage.mime_type must be image/jpeg or image/png, got %q", c.Storage.MIMEType)
	}
	if c.Storage.JPEGQuality == 0 {
		c.Storage.JPEGQuality = 95
	}
	if c.Storage.JPEGQuality < 1 || c.Storage.JPEGQuality > 100 {
		return fmt.Errorf("storage.jpeg_quality must be between 1 and 100, got %d", c.Storage.JPEGQuality)
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.Root, "media.db")
	}

	// Button
	if c.Button.Enabled && c.Button.Pin <= 0 {
		return fmt.Errorf("button.pin is required when the button is enabled")
	}
	if c.Button.DebounceMs <= 0 {
		c.Button.DebounceMs = 50
	}
	if c.Button.BlinkMs <= 0 {
		c.Button.BlinkMs = 150
	}

	// Permissions
	if c.Permissions.CameraDevice == "" {
		c.Permissions.CameraDevice = c.Camera.Device
	}
	if c.Permissions.AudioDevice == "" {
		c.Permissions.AudioDevice = "/dev/snd"
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// FrameInterval returns the time between two preview frames.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Camera.FPS)
}

// Mirrored reports whether stills must be flipped horizontally.
func (c *Config) Mirrored() bool {
	return c.Storage.MirrorFront && c.Camera.LensFacing == LensFront
}

// Debounce returns the shutter button debounce duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Button.DebounceMs) * time.Millisecond
}

// Blink returns the status LED blink duration.
func (c *Config) Blink() time.Duration {
	return time.Duration(c.Button.BlinkMs) * time.Millisecond
}

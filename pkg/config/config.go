package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Tick     time.Duration  `yaml:"tick"` // Driver loop period
	Log      LogConfig      `yaml:"log"`
	Motion   MotionConfig   `yaml:"motion"`
	Scale    ScaleConfig    `yaml:"scale"`
	Serial   SerialConfig   `yaml:"serial"`
	Presence PresenceConfig `yaml:"presence"`
	Photo    PhotoConfig    `yaml:"photo"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Web      WebConfig      `yaml:"web"`
	Mock     MockConfig     `yaml:"mock"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MotionConfig contains frame-differencing motion detection settings.
type MotionConfig struct {
	Enabled    bool `yaml:"enabled"`
	Camera     int  `yaml:"camera"`      // OpenCV device index
	Threshold  int  `yaml:"threshold"`   // Changed pixels needed for a motion hit
	PixelDelta int  `yaml:"pixel_delta"` // Per-pixel intensity change (0-255) counted as changed
}

// ScaleConfig contains weight sensor fusion settings.
type ScaleConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Threshold    float64       `yaml:"threshold"`     // Grams needed for a weight hit
	ApproachWait time.Duration `yaml:"approach_wait"` // How long motion waits for a weight confirmation
	MaxAge       time.Duration `yaml:"max_age"`       // Readings older than this are ignored (0 = never stale)
}

// SerialConfig contains serial link configuration for the remote weight sensor.
type SerialConfig struct {
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baud_rate"`
	StartupDelay time.Duration `yaml:"startup_delay"` // Wait after open before flushing startup bytes
	ReadyTimeout time.Duration `yaml:"ready_timeout"` // Window for the READY line
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Blocking read timeout of the reader
	TareSettle   time.Duration `yaml:"tare_settle"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`  // Bound on waiting for the reader at close
	ErrorBackoff time.Duration `yaml:"error_backoff"` // Pause after a transport error
	OpenAttempts uint          `yaml:"open_attempts"`
}

// PresenceConfig contains presence state machine settings.
type PresenceConfig struct {
	DepartureFrames int `yaml:"departure_frames"` // Consecutive empty ticks before a departure
}

// PhotoConfig contains photo capture settings.
type PhotoConfig struct {
	Dir          string        `yaml:"dir"`
	Cooldown     time.Duration `yaml:"cooldown"`
	WarmupFrames int           `yaml:"warmup_frames"` // Frames discarded before the still
}

// MQTTConfig contains event emitter settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// WebConfig contains status API settings.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MockConfig contains simulated scale configuration.
type MockConfig struct {
	BirdWeight    float64       `yaml:"bird_weight"`    // Simulated visitor weight (g)
	NoiseLevel    float64       `yaml:"noise_level"`    // Reading noise amplitude (g)
	VisitDuration time.Duration `yaml:"visit_duration"` // How long a visitor stays
	VisitPeriod   time.Duration `yaml:"visit_period"`   // Time between visits
	SampleRate    time.Duration `yaml:"sample_rate"`    // Reporting period
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Tick: 200 * time.Millisecond,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Motion: MotionConfig{
			Enabled:    true,
			Camera:     0,
			Threshold:  1000,
			PixelDelta: 30,
		},
		Scale: ScaleConfig{
			Enabled:      false,
			Threshold:    5, // Goldcrest, the lightest British songbird
			ApproachWait: time.Second,
			MaxAge:       0,
		},
		Serial: SerialConfig{
			Port:         "/dev/ttyACM0",
			BaudRate:     115200,
			StartupDelay: 2 * time.Second,
			ReadyTimeout: 5 * time.Second,
			ReadTimeout:  100 * time.Millisecond,
			TareSettle:   time.Second,
			JoinTimeout:  time.Second,
			ErrorBackoff: 100 * time.Millisecond,
			OpenAttempts: 3,
		},
		Presence: PresenceConfig{
			DepartureFrames: 10,
		},
		Photo: PhotoConfig{
			Dir:          "./images",
			Cooldown:     5 * time.Second,
			WarmupFrames: 5,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "localhost:1883",
			ClientID: "gofeeder",
			Topic:    "gofeeder/events",
			QoS:      1,
		},
		Web: WebConfig{
			Enabled: false,
			Addr:    ":8080",
		},
		Mock: MockConfig{
			BirdWeight:    18.0,
			NoiseLevel:    0.3,
			VisitDuration: 4 * time.Second,
			VisitPeriod:   30 * time.Second,
			SampleRate:    200 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports every setting the driver cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if !c.Motion.Enabled && !c.Scale.Enabled {
		errs = append(errs, errors.New("at least one of motion or scale must be enabled"))
	}
	if c.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %s", c.Tick))
	}
	if c.Presence.DepartureFrames <= 0 {
		errs = append(errs, fmt.Errorf("presence.departure_frames must be positive, got %d", c.Presence.DepartureFrames))
	}
	if c.Motion.Threshold < 0 {
		errs = append(errs, fmt.Errorf("motion.threshold must not be negative, got %d", c.Motion.Threshold))
	}
	if c.Motion.PixelDelta < 0 || c.Motion.PixelDelta > 255 {
		errs = append(errs, fmt.Errorf("motion.pixel_delta must be within 0-255, got %d", c.Motion.PixelDelta))
	}
	if c.Scale.Threshold < 0 {
		errs = append(errs, fmt.Errorf("scale.threshold must not be negative, got %g", c.Scale.Threshold))
	}
	if c.Scale.ApproachWait < 0 || c.Scale.MaxAge < 0 {
		errs = append(errs, errors.New("scale durations must not be negative"))
	}
	if c.Scale.Enabled {
		errs = append(errs, c.Serial.validate()...)
		if c.Mock.SampleRate <= 0 {
			errs = append(errs, fmt.Errorf("mock.sample_rate must be positive, got %s", c.Mock.SampleRate))
		}
	}
	if c.Photo.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("photo.cooldown must not be negative, got %s", c.Photo.Cooldown))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// validate checks the durations that drive timers and port timeouts.
func (s SerialConfig) validate() []error {
	var errs []error

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"serial.read_timeout", s.ReadTimeout},
		{"serial.ready_timeout", s.ReadyTimeout},
		{"serial.join_timeout", s.JoinTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}

	nonNegative := []struct {
		name string
		d    time.Duration
	}{
		{"serial.startup_delay", s.StartupDelay},
		{"serial.tare_settle", s.TareSettle},
		{"serial.error_backoff", s.ErrorBackoff},
	}
	for _, n := range nonNegative {
		if n.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", n.name, n.d))
		}
	}

	return errs
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Tick == 0 {
		c.Tick = def.Tick
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	// Thresholds, approach_wait and tare_settle are not back-filled: zero is
	// a valid setting for them. Missing keys keep their defaults because
	// Load decodes over Default().
	if c.Motion.PixelDelta == 0 {
		c.Motion.PixelDelta = def.Motion.PixelDelta
	}

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadyTimeout == 0 {
		c.Serial.ReadyTimeout = def.Serial.ReadyTimeout
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.JoinTimeout == 0 {
		c.Serial.JoinTimeout = def.Serial.JoinTimeout
	}
	if c.Serial.ErrorBackoff == 0 {
		c.Serial.ErrorBackoff = def.Serial.ErrorBackoff
	}
	if c.Serial.OpenAttempts == 0 {
		c.Serial.OpenAttempts = def.Serial.OpenAttempts
	}

	if c.Presence.DepartureFrames == 0 {
		c.Presence.DepartureFrames = def.Presence.DepartureFrames
	}

	if c.Photo.Dir == "" {
		c.Photo.Dir = def.Photo.Dir
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = def.MQTT.Broker
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}

	if c.Web.Addr == "" {
		c.Web.Addr = def.Web.Addr
	}

	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.VisitPeriod == 0 {
		c.Mock.VisitPeriod = def.Mock.VisitPeriod
	}
	if c.Mock.VisitDuration == 0 {
		c.Mock.VisitDuration = def.Mock.VisitDuration
	}
	if c.Mock.BirdWeight == 0 {
		c.Mock.BirdWeight = def.Mock.BirdWeight
	}
}

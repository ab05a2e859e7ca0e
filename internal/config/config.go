package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values can be written as "3s", "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type CarConfig struct {
	ID           string `yaml:"id"`
	InitialFloor int    `yaml:"initialFloor"`
}

type SLAConfig struct {
	Critical Duration `yaml:"critical"`
	Warning  Duration `yaml:"warning"`
	Info     Duration `yaml:"info"`
}

type Config struct {
	BuildingID    string `yaml:"buildingId"`
	BankID        string `yaml:"bankId"`
	TelemetryAddr string `yaml:"telemetryAddr"`
	LogLevel      string `yaml:"logLevel"`

	// Floors. MinFloor may be negative for below-grade floors; FloorLabels
	// maps indices MinFloor..MinFloor+len-1 onto lobby labels ("B1", "G", "10").
	MinFloor    int      `yaml:"minFloor"`
	MaxFloor    int      `yaml:"maxFloor"`
	FloorLabels []string `yaml:"floorLabels"`

	Cars []CarConfig `yaml:"cars"`

	// Car tuning.
	DoorDwell         Duration `yaml:"doorDwell"`
	DoorOpenHold      Duration `yaml:"doorOpenHold"`
	DoorStuckTimeout  Duration `yaml:"doorStuckTimeout"`
	HeartbeatTimeout  Duration `yaml:"heartbeatTimeout"`
	OverloadThreshold int      `yaml:"overloadThreshold"`
	CarInboxDepth     int      `yaml:"carInboxDepth"`

	// Dispatch tuning.
	IdleDispatchPenalty int      `yaml:"idleDispatchPenalty"`
	StarvationWait      Duration `yaml:"starvationWait"`

	SLABudgets SLAConfig `yaml:"slaBudgets"`
}

// Default returns the tuning used when no config file is present. The values
// are group-control conventions, all overridable from elevcore.yaml.
func Default() Config {
	return Config{
		BuildingID:    "HQ",
		BankID:        "A",
		TelemetryAddr: ":4270",
		LogLevel:      "info",
		MinFloor:      0,
		MaxFloor:      9,
		Cars: []CarConfig{
			{ID: "E01", InitialFloor: 0},
			{ID: "E02", InitialFloor: 0},
		},
		DoorDwell:           Duration(2 * time.Second),
		DoorOpenHold:        Duration(3 * time.Second),
		DoorStuckTimeout:    Duration(20 * time.Second),
		HeartbeatTimeout:    Duration(10 * time.Second),
		OverloadThreshold:   80,
		CarInboxDepth:       32,
		IdleDispatchPenalty: 3,
		StarvationWait:      Duration(30 * time.Second),
		SLABudgets: SLAConfig{
			Critical: Duration(2 * time.Minute),
			Warning:  Duration(30 * time.Minute),
			Info:     Duration(4 * time.Hour),
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults are returned as-is so the daemon can run without any setup.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv lets deployment scripts override the file without editing it.
func (c *Config) applyEnv() {
	if v := os.Getenv("ELEVCORE_BUILDING_ID"); v != "" {
		c.BuildingID = v
	}
	if v := os.Getenv("ELEVCORE_TELEMETRY_ADDR"); v != "" {
		c.TelemetryAddr = v
	}
	if v := os.Getenv("ELEVCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c Config) Validate() error {
	if c.MaxFloor <= c.MinFloor {
		return fmt.Errorf("floor range [%d,%d] is empty", c.MinFloor, c.MaxFloor)
	}
	if len(c.Cars) == 0 {
		return fmt.Errorf("no cars configured")
	}
	seen := make(map[string]bool, len(c.Cars))
	for _, car := range c.Cars {
		if car.ID == "" {
			return fmt.Errorf("car with empty id")
		}
		if seen[car.ID] {
			return fmt.Errorf("duplicate car id %q", car.ID)
		}
		seen[car.ID] = true
		if car.InitialFloor < c.MinFloor || car.InitialFloor > c.MaxFloor {
			return fmt.Errorf("car %s initial floor %d outside [%d,%d]",
				car.ID, car.InitialFloor, c.MinFloor, c.MaxFloor)
		}
	}
	if n := c.MaxFloor - c.MinFloor + 1; len(c.FloorLabels) != 0 && len(c.FloorLabels) != n {
		return fmt.Errorf("floorLabels has %d entries, floor range needs %d", len(c.FloorLabels), n)
	}
	if c.OverloadThreshold <= 0 || c.OverloadThreshold > 100 {
		return fmt.Errorf("overloadThreshold %d outside (0,100]", c.OverloadThreshold)
	}
	if c.CarInboxDepth <= 0 {
		return fmt.Errorf("carInboxDepth must be positive")
	}
	for name, d := range map[string]Duration{
		"doorDwell":        c.DoorDwell,
		"doorOpenHold":     c.DoorOpenHold,
		"doorStuckTimeout": c.DoorStuckTimeout,
		"heartbeatTimeout": c.HeartbeatTimeout,
		"starvationWait":   c.StarvationWait,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.DoorStuckTimeout.D() <= c.DoorDwell.D()+c.DoorOpenHold.D()+c.DoorDwell.D() {
		return fmt.Errorf("doorStuckTimeout must exceed one full door cycle")
	}
	return nil
}

// FloorLabel maps a floor index onto its lobby label. Floors without a
// configured label fall back to the numeric form.
func (c Config) FloorLabel(floor int) string {
	i := floor - c.MinFloor
	if i >= 0 && i < len(c.FloorLabels) {
		return c.FloorLabels[i]
	}
	return fmt.Sprintf("%d", floor)
}

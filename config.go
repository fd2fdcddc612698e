package hwcomposer

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ComposerConfig represents the composer configuration
type ComposerConfig struct {
	LogLevel string `yaml:"log_level"`

	Primary  PoolConfig `yaml:"primary"`
	External PoolConfig `yaml:"external"`
	Virtual  PoolConfig `yaml:"virtual"`

	// SharedBandwidth is the bytes-per-frame budget shared by all displays, 0 = unlimited.
	SharedBandwidth uint64 `yaml:"shared_bandwidth"`

	// SkipFrames is how many frames a resolution change composes as a no-op.
	SkipFrames int `yaml:"skip_frames"`
	// AnimationSkipFrames is how many frames a rotation animation forces to client.
	AnimationSkipFrames int `yaml:"animation_skip_frames"`

	ForceGPU             bool          `yaml:"force_gpu"`
	DynamicRecomposition bool          `yaml:"dynamic_recomposition"`
	QuiescenceWindow     time.Duration `yaml:"quiescence_window"`
	FenceDebug           bool          `yaml:"fence_debug"`

	Hotplug HotplugConfig `yaml:"hotplug"`

	// FanOut caps concurrent per-display work in Prepare/Set, 0 = one per display.
	FanOut int `yaml:"fan_out"`
}

// PoolConfig sizes one display class's hardware
type PoolConfig struct {
	Units        int    `yaml:"units"`
	MaxBandwidth uint64 `yaml:"max_bandwidth"`
	MaxOverlap   int    `yaml:"max_overlap"`
	// Transforms is the mask of transforms the units can apply.
	Transforms Transform `yaml:"transforms"`
}

// HotplugConfig names the uevent sources the coordinator listens to
type HotplugConfig struct {
	SwitchName string `yaml:"switch_name"`
	Subsystem  string `yaml:"subsystem"`
	// Uevents disables the netlink listener when false.
	Uevents *bool `yaml:"uevents,omitempty"`
	// HDCP enables content protection on connect.
	HDCP bool `yaml:"hdcp"`
	// AudioChannels is routed to the external display on connect, 0 = leave as is.
	AudioChannels int `yaml:"audio_channels"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() ComposerConfig {
	return ComposerConfig{
		LogLevel: "info",
		Primary: PoolConfig{
			Units:      4,
			MaxOverlap: 4,
			Transforms: TransformRot270,
		},
		External: PoolConfig{
			Units:      2,
			MaxOverlap: 2,
		},
		Virtual: PoolConfig{
			Units:      1,
			MaxOverlap: 1,
		},
		SharedBandwidth:     3 * 1920 * 1080 * bytesPerPixel * 2,
		SkipFrames:          3,
		AnimationSkipFrames: 1,
		QuiescenceWindow:    100 * time.Millisecond,
		Hotplug: HotplugConfig{
			SwitchName: "hdmi",
			Subsystem:  "drm",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file
func LoadConfig(path string) (ComposerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ComposerConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ComposerConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return ComposerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c *ComposerConfig) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return level, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Validate checks the configuration and fills defaults for zero values.
func (c *ComposerConfig) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	for name, p := range map[string]*PoolConfig{"primary": &c.Primary, "external": &c.External, "virtual": &c.Virtual} {
		if p.Units < 0 {
			return fmt.Errorf("%s.units must be >= 0", name)
		}
		if p.MaxOverlap < 0 {
			return fmt.Errorf("%s.max_overlap must be >= 0", name)
		}
		if p.Transforms&^TransformRot270 != 0 {
			return fmt.Errorf("%s.transforms has unknown bits %#x", name, uint8(p.Transforms))
		}
	}

	if c.SkipFrames < 0 {
		return fmt.Errorf("skip_frames must be >= 0")
	}
	if c.AnimationSkipFrames < 0 {
		return fmt.Errorf("animation_skip_frames must be >= 0")
	}
	if c.QuiescenceWindow <= 0 {
		c.QuiescenceWindow = 100 * time.Millisecond
	}
	if c.FanOut < 0 {
		return fmt.Errorf("fan_out must be >= 0")
	}
	if c.Hotplug.AudioChannels < 0 || c.Hotplug.AudioChannels > 8 {
		return fmt.Errorf("hotplug.audio_channels must be in [0,8]")
	}
	if c.Hotplug.SwitchName == "" && c.Hotplug.Subsystem == "" {
		return fmt.Errorf("hotplug needs switch_name or subsystem")
	}
	return nil
}

// uevents reports whether the netlink listener should run.
func (h HotplugConfig) uevents() bool {
	return h.Uevents == nil || *h.Uevents
}

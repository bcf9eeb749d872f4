package registration

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the full configuration file
type Config struct {
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Preprocess   PreprocessConfig   `yaml:"preprocess" json:"preprocess"`
	Depth        DepthConfig        `yaml:"depth" json:"depth"`
	Map          MapConfig          `yaml:"map" json:"map"`
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
	Output       OutputConfig       `yaml:"output" json:"output"`
}

// RegistrationConfig mirrors RegistrationOptions in file form
type RegistrationConfig struct {
	CorrespondenceCount       int     `yaml:"correspondenceCount" json:"correspondenceCount"`
	MaxCorrespondenceDistance float64 `yaml:"maxCorrespondenceDistance" json:"maxCorrespondenceDistance"`
	NormalAngleDeg            float64 `yaml:"normalAngleDeg" json:"normalAngleDeg"` // max angle between paired normals
	VoxelSize                 float64 `yaml:"voxelSize" json:"voxelSize"`
	PlaneRangeRatio           float64 `yaml:"planeRangeRatio" json:"planeRangeRatio"`
	CostChangeThreshold       float64 `yaml:"costChangeThreshold,omitempty" json:"costChangeThreshold,omitempty"` // 0 = 1.2 * voxelSize
	MaxIterations             int     `yaml:"maxIterations" json:"maxIterations"`
	NumCheckPoints            int     `yaml:"numCheckPoints" json:"numCheckPoints"`
	UpAxis                    string  `yaml:"upAxis" json:"upAxis"`
	LowRatio                  float64 `yaml:"lowRatio" json:"lowRatio"`
	UpRatio                   float64 `yaml:"upRatio" json:"upRatio"`
	Timeout                   string  `yaml:"timeout,omitempty" json:"timeout,omitempty"` // Go duration, empty = none
	Seed                      int64   `yaml:"seed,omitempty" json:"seed,omitempty"`       // 0 = seeded from the clock
}

// PreprocessConfig controls down-sampling and normal estimation of frames
type PreprocessConfig struct {
	NormalRadius     float64 `yaml:"normalRadius,omitempty" json:"normalRadius,omitempty"` // 0 = voxelSize * planeRangeRatio
	MaxNeighbors     int     `yaml:"maxNeighbors" json:"maxNeighbors"`
	OutlierNeighbors int     `yaml:"outlierNeighbors" json:"outlierNeighbors"` // 0 disables outlier removal
	OutlierStdRatio  float64 `yaml:"outlierStdRatio" json:"outlierStdRatio"`
	KeepNormals      bool    `yaml:"keepNormals,omitempty" json:"keepNormals,omitempty"` // use input cloud as is, skip all preprocessing
}

// DepthConfig describes depth image frames
type DepthConfig struct {
	FOVDeg float64 `yaml:"fovDeg" json:"fovDeg"`
	Scale  float64 `yaml:"scale" json:"scale"`
	Stride int     `yaml:"stride" json:"stride"`
}

// MapConfig controls map assembly
type MapConfig struct {
	LowRatio  float64 `yaml:"lowRatio" json:"lowRatio"`
	UpRatio   float64 `yaml:"upRatio" json:"upRatio"`
	VoxelSize float64 `yaml:"voxelSize,omitempty" json:"voxelSize,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	FrameTopic    string `yaml:"frameTopic" json:"frameTopic"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// OutputConfig controls files written by reconstruct and serve
type OutputConfig struct {
	Dir               string  `yaml:"dir" json:"dir"`
	TrajectoryCache   string  `yaml:"trajectoryCache,omitempty" json:"trajectoryCache,omitempty"`
	GridSpacing       float64 `yaml:"gridSpacing,omitempty" json:"gridSpacing,omitempty"`             // Grid line spacing in mm (default 1000)
	VectorResolution  float64 `yaml:"vectorResolution,omitempty" json:"vectorResolution,omitempty"`   // Vector PNG pixels per mm (default 0.1)
	SimplifyTolerance float64 `yaml:"simplifyTolerance,omitempty" json:"simplifyTolerance,omitempty"` // GeoJSON trajectory simplification in mm
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	reg := DefaultRegistrationOptions()
	return &Config{
		Registration: RegistrationConfig{
			CorrespondenceCount:       reg.CorrespondenceCount,
			MaxCorrespondenceDistance: reg.MaxCorrespondenceDistance,
			NormalAngleDeg:            20,
			VoxelSize:                 reg.VoxelSize,
			PlaneRangeRatio:           reg.PlaneRangeRatio,
			MaxIterations:             reg.MaxIterations,
			NumCheckPoints:            reg.NumCheckPoints,
			UpAxis:                    reg.UpAxis.String(),
			LowRatio:                  reg.LowRatio,
			UpRatio:                   reg.UpRatio,
		},
		Preprocess: PreprocessConfig{
			MaxNeighbors:     DefaultMaxNormalNeighbors,
			OutlierNeighbors: DefaultOutlierNeighbors,
			OutlierStdRatio:  DefaultOutlierStdRatio,
		},
		Depth: DepthConfig{
			FOVDeg: 90,
			Scale:  DefaultDepthScale,
			Stride: 2,
		},
		Map: MapConfig{
			LowRatio: DefaultMapLowRatio,
			UpRatio:  DefaultMapUpRatio,
		},
		MQTT: MQTTConfig{
			FrameTopic:    "pcreg/frames",
			PublishPrefix: "pcreg",
			ClientID:      "pcreg",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Output: OutputConfig{
			Dir:             "output",
			TrajectoryCache: DefaultTrajectoryCachePath,
		},
	}
}

// LoadConfig loads the configuration from a YAML file. Keys missing from the
// file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD, MQTT_FRAME_TOPIC and MQTT_PUBLISH_PREFIX.
func (c *Config) ApplyEnv() {
	for env, dst := range map[string]*string{
		"MQTT_BROKER":         &c.MQTT.Broker,
		"MQTT_CLIENT_ID":      &c.MQTT.ClientID,
		"MQTT_USERNAME":       &c.MQTT.Username,
		"MQTT_PASSWORD":       &c.MQTT.Password,
		"MQTT_FRAME_TOPIC":    &c.MQTT.FrameTopic,
		"MQTT_PUBLISH_PREFIX": &c.MQTT.PublishPrefix,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs error
	if _, err := c.RegistrationOptions(nil); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Registration.NormalAngleDeg <= 0 || c.Registration.NormalAngleDeg > 90 {
		errs = multierr.Append(errs, fmt.Errorf("registration.normalAngleDeg must be in (0, 90], got %v", c.Registration.NormalAngleDeg))
	}
	if c.Preprocess.MaxNeighbors < 3 {
		errs = multierr.Append(errs, fmt.Errorf("preprocess.maxNeighbors must be >= 3, got %d", c.Preprocess.MaxNeighbors))
	}
	if c.Preprocess.OutlierNeighbors < 0 || c.Preprocess.OutlierStdRatio < 0 {
		errs = multierr.Append(errs, fmt.Errorf("preprocess outlier settings must be >= 0, got %d/%v", c.Preprocess.OutlierNeighbors, c.Preprocess.OutlierStdRatio))
	}
	if c.Map.LowRatio < 0 || c.Map.UpRatio > 1 || c.Map.LowRatio > c.Map.UpRatio {
		errs = multierr.Append(errs, fmt.Errorf("map ratios must satisfy 0 <= lowRatio <= upRatio <= 1, got %v/%v", c.Map.LowRatio, c.Map.UpRatio))
	}
	if c.Map.VoxelSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("map.voxelSize must be >= 0, got %v", c.Map.VoxelSize))
	}
	if c.Depth.FOVDeg <= 0 || c.Depth.FOVDeg >= 180 {
		errs = multierr.Append(errs, fmt.Errorf("depth.fovDeg must be in (0, 180), got %v", c.Depth.FOVDeg))
	}
	if c.Depth.Scale <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("depth.scale must be > 0, got %v", c.Depth.Scale))
	}
	if c.MQTT.Broker != "" && c.MQTT.FrameTopic == "" {
		errs = multierr.Append(errs, fmt.Errorf("mqtt.frameTopic is required when a broker is set"))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}

// RegistrationOptions converts the registration section. A nil logger
// disables logging.
func (c *Config) RegistrationOptions(log *zap.SugaredLogger) (RegistrationOptions, error) {
	r := c.Registration
	axis, err := ParseAxis(r.UpAxis)
	if err != nil {
		return RegistrationOptions{}, err
	}
	var timeout time.Duration
	if r.Timeout != "" {
		if timeout, err = time.ParseDuration(r.Timeout); err != nil {
			return RegistrationOptions{}, fmt.Errorf("registration.timeout: %w", err)
		}
	}
	seed := r.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts := RegistrationOptions{
		CorrespondenceCount:       r.CorrespondenceCount,
		MaxCorrespondenceDistance: r.MaxCorrespondenceDistance,
		NormalCosThreshold:        math.Cos(r.NormalAngleDeg * math.Pi / 180),
		VoxelSize:                 r.VoxelSize,
		PlaneRangeRatio:           r.PlaneRangeRatio,
		CostChangeThreshold:       r.CostChangeThreshold,
		MaxIterations:             r.MaxIterations,
		NumCheckPoints:            r.NumCheckPoints,
		UpAxis:                    axis,
		LowRatio:                  r.LowRatio,
		UpRatio:                   r.UpRatio,
		Timeout:                   timeout,
		RNG:                       rand.New(rand.NewSource(seed)),
		Logger:                    log,
	}
	if err := opts.withFallbacks().Validate(); err != nil {
		return RegistrationOptions{}, err
	}
	return opts, nil
}

// ReconstructorOptions converts the registration, preprocess and map sections
func (c *Config) ReconstructorOptions(log *zap.SugaredLogger) (ReconstructorOptions, error) {
	reg, err := c.RegistrationOptions(log)
	if err != nil {
		return ReconstructorOptions{}, err
	}
	pre := PreprocessOptionsFor(reg)
	pre.MaxNeighbors = c.Preprocess.MaxNeighbors
	pre.OutlierNeighbors = c.Preprocess.OutlierNeighbors
	pre.OutlierStdRatio = c.Preprocess.OutlierStdRatio
	if c.Preprocess.NormalRadius > 0 {
		pre.NormalRadius = c.Preprocess.NormalRadius
	}
	if c.Preprocess.KeepNormals {
		pre = PreprocessOptions{}
	}
	return ReconstructorOptions{
		Registration: reg,
		Preprocess:   pre,
		MapLowRatio:  c.Map.LowRatio,
		MapUpRatio:   c.Map.UpRatio,
		MapVoxelSize: c.Map.VoxelSize,
	}, nil
}

// Intrinsics returns the camera model for depth images of the given size
func (c *Config) Intrinsics(width, height int) Intrinsics {
	fov := c.Depth.FOVDeg * math.Pi / 180
	return IntrinsicsFromFOV(width, height, fov, fov)
}

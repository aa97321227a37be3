// Package config loads service settings from an optional YAML file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Config is the root configuration for the API and the training CLI.
type Config struct {
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
	Storage   Storage   `yaml:"storage"`
	Reward    Reward    `yaml:"reward"`
	Agent     Agent     `yaml:"agent"`
	Training  Training  `yaml:"training"`
	Optimizer Optimizer `yaml:"optimizer"`
	Auth      Auth      `yaml:"auth"`
	Notify    Notify    `yaml:"notify"`
}

type Server struct {
	Port            string        `yaml:"port"`
	RateRPS         float64       `yaml:"rate_rps"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Storage selects the model registry and event broker backends. Postgres wins
// over SQLite; with neither set the registry lives in memory.
type Storage struct {
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisURL    string `yaml:"redis_url"`
	ModelDir    string `yaml:"model_dir"`
}

// Reward holds the shaping constants of the route construction environment.
// Penalties are magnitudes and are subtracted from the step reward.
type Reward struct {
	DistanceWeight     float64 `yaml:"distance_weight"`
	PriorityWeight     float64 `yaml:"priority_weight"`
	RevisitPenalty     float64 `yaml:"revisit_penalty"`
	OverflowPenalty    float64 `yaml:"overflow_penalty"`
	InvalidPenalty     float64 `yaml:"invalid_penalty"`
	LoadBonus          float64 `yaml:"load_bonus"`
	LoadBonusThreshold float64 `yaml:"load_bonus_threshold"`
	CompletionBonus    float64 `yaml:"completion_bonus"`
	UnvisitedPenalty   float64 `yaml:"unvisited_penalty"`
	StepBudgetFactor   int     `yaml:"step_budget_factor"`
}

// Agent holds the learner hyperparameters.
type Agent struct {
	Hidden        []int   `yaml:"hidden"`
	Dueling       bool    `yaml:"dueling"`
	DoubleDQN     bool    `yaml:"double_dqn"`
	LearningRate  float64 `yaml:"learning_rate"`
	Gamma         float64 `yaml:"gamma"`
	EpsilonStart  float64 `yaml:"epsilon_start"`
	EpsilonEnd    float64 `yaml:"epsilon_end"`
	EpsilonDecay  float64 `yaml:"epsilon_decay"`
	BatchSize     int     `yaml:"batch_size"`
	MemorySize    int     `yaml:"memory_size"`
	TargetUpdate  int     `yaml:"target_update"`
	GradClip      float64 `yaml:"grad_clip"`
	LRStepSize    int     `yaml:"lr_step_size"`
	LRGamma       float64 `yaml:"lr_gamma"`
	Prioritized   bool    `yaml:"prioritized"`
	PriorityAlpha float64 `yaml:"priority_alpha"`
	PriorityBeta  float64 `yaml:"priority_beta"`
}

type Training struct {
	ModelName          string `yaml:"model_name"`
	Episodes           int    `yaml:"episodes"`
	NumCustomers       int    `yaml:"num_customers"`
	NumVehicles        int    `yaml:"num_vehicles"`
	VehicleCapacity    int    `yaml:"vehicle_capacity"`
	MaxDemand          int    `yaml:"max_demand"`
	HistoryEvery       int    `yaml:"history_every"`
	LogEvery           int    `yaml:"log_every"`
	CheckpointEvery    int    `yaml:"checkpoint_every"`
	EvalEpisodes       int    `yaml:"eval_episodes"`
	ActivateOnComplete bool   `yaml:"activate_on_complete"`
	Seed               int64  `yaml:"seed"`
}

type Optimizer struct {
	DefaultMethod string `yaml:"default_method"`
	// MinutesPerKm converts straight-line kilometers into drive minutes.
	MinutesPerKm float64 `yaml:"minutes_per_km"`
	// KmScale converts normalized simulation distance into kilometers. It is
	// an uncalibrated estimate and only reported alongside haversine figures.
	KmScale        float64       `yaml:"km_scale"`
	ExactURL       string        `yaml:"exact_url"`
	ExactTimeout   time.Duration `yaml:"exact_timeout"`
	RoutingURL     string        `yaml:"routing_url"`
	RoutingTimeout time.Duration `yaml:"routing_timeout"`
	RoutingRPS     float64       `yaml:"routing_rps"`
	RoadGeometry   bool          `yaml:"road_geometry"`
	ModelName      string        `yaml:"model_name"`
	// StrategyTimeout bounds the selected strategy. On expiry the request
	// falls back to the constructive heuristic. Zero disables it.
	StrategyTimeout time.Duration `yaml:"strategy_timeout"`
}

// Auth guards the mutating API endpoints. Mode is none, token (static
// bearer token) or hmac (HS256 JWT carrying an admin role claim).
type Auth struct {
	Mode       string `yaml:"mode"`
	Token      string `yaml:"token"`
	HMACSecret string `yaml:"hmac_secret"`
	RoleClaim  string `yaml:"role_claim"`
}

// Notify posts signed training completion events to a webhook.
type Notify struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	MaxAttempts   int    `yaml:"max_attempts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  Server{Port: "8080", RateRPS: 20, RateBurst: 40, ShutdownTimeout: 15 * time.Second},
		Log:     Log{Level: "info", Format: "text"},
		Storage: Storage{ModelDir: "models"},
		Reward:  DefaultReward(),
		Agent: Agent{
			Hidden:        []int{256, 256, 128},
			DoubleDQN:     true,
			LearningRate:  0.001,
			Gamma:         0.99,
			EpsilonStart:  1.0,
			EpsilonEnd:    0.01,
			EpsilonDecay:  0.995,
			BatchSize:     64,
			MemorySize:    100000,
			TargetUpdate:  10,
			GradClip:      1.0,
			LRStepSize:    1000,
			LRGamma:       0.95,
			PriorityAlpha: 0.6,
			PriorityBeta:  0.4,
		},
		Training: Training{
			ModelName:       "vrp_dqn_v1",
			Episodes:        1000,
			NumCustomers:    20,
			NumVehicles:     3,
			VehicleCapacity: 100,
			MaxDemand:       20,
			HistoryEvery:    10,
			LogEvery:        100,
			CheckpointEvery: 500,
			EvalEpisodes:    10,
		},
		Optimizer: Optimizer{
			DefaultMethod:  "constructive",
			MinutesPerKm:   2,
			KmScale:        100,
			ExactTimeout:   30 * time.Second,
			RoutingURL:     "https://router.project-osrm.org",
			RoutingTimeout: 10 * time.Second,
			RoutingRPS:     1,
			// above the exact budget so the sidecar reports first
			StrategyTimeout: 45 * time.Second,
		},
		Auth:   Auth{Mode: "none", RoleClaim: "role"},
		Notify: Notify{MaxAttempts: 5},
	}
}

// DefaultReward returns the stock reward shaping.
func DefaultReward() Reward {
	return Reward{
		DistanceWeight:     0.1,
		PriorityWeight:     0.5,
		RevisitPenalty:     1.0,
		OverflowPenalty:    0.5,
		InvalidPenalty:     1.0,
		LoadBonus:          0.2,
		LoadBonusThreshold: 0.7,
		CompletionBonus:    10,
		UnvisitedPenalty:   2,
		StepBudgetFactor:   3,
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then applies environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path == "" {
		path = os.Getenv("VRP_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setFloat(&c.Server.RateRPS, "RATE_RPS")
	setInt(&c.Server.RateBurst, "RATE_BURST")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.SQLitePath, "SQLITE_PATH")
	setString(&c.Storage.RedisURL, "REDIS_URL")
	setString(&c.Storage.ModelDir, "MODEL_DIR")
	setString(&c.Optimizer.ExactURL, "EXACT_SOLVER_URL")
	setString(&c.Optimizer.RoutingURL, "ROUTING_URL")
	setString(&c.Optimizer.ModelName, "ACTIVE_MODEL")
	setString(&c.Auth.Mode, "AUTH_MODE")
	setString(&c.Auth.Token, "AUTH_TOKEN")
	setString(&c.Auth.HMACSecret, "AUTH_HMAC_SECRET")
	setString(&c.Notify.WebhookURL, "WEBHOOK_URL")
	setString(&c.Notify.WebhookSecret, "WEBHOOK_SECRET")
	setInt(&c.Notify.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS")
	if v := strings.TrimSpace(os.Getenv("ROAD_GEOMETRY")); v != "" {
		c.Optimizer.RoadGeometry = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate rejects settings the optimizer cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Agent.Hidden) == 0 {
		errs = append(errs, errors.New("agent.hidden must list at least one layer"))
	}
	for _, h := range c.Agent.Hidden {
		if h <= 0 {
			errs = append(errs, fmt.Errorf("agent.hidden: layer width %d must be positive", h))
		}
	}
	if c.Agent.Gamma < 0 || c.Agent.Gamma > 1 {
		errs = append(errs, fmt.Errorf("agent.gamma %v out of [0,1]", c.Agent.Gamma))
	}
	if c.Agent.BatchSize <= 0 {
		errs = append(errs, errors.New("agent.batch_size must be positive"))
	}
	if c.Agent.MemorySize < c.Agent.BatchSize {
		errs = append(errs, errors.New("agent.memory_size must be at least batch_size"))
	}
	if c.Reward.StepBudgetFactor <= 0 {
		errs = append(errs, errors.New("reward.step_budget_factor must be positive"))
	}
	if c.Training.MaxDemand <= 0 {
		errs = append(errs, errors.New("training.max_demand must be positive"))
	}
	if c.Optimizer.StrategyTimeout < 0 {
		errs = append(errs, errors.New("optimizer.strategy_timeout must not be negative"))
	}
	if c.Optimizer.MinutesPerKm <= 0 {
		errs = append(errs, errors.New("optimizer.minutes_per_km must be positive"))
	}
	switch strings.ToLower(c.Auth.Mode) {
	case "", "none":
	case "token":
		if c.Auth.Token == "" {
			errs = append(errs, errors.New("auth.token required in token mode"))
		}
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.hmac_secret required in hmac mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q: want none, token or hmac", c.Auth.Mode))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

package model

import "time"

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Depot struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Customer struct {
	ID       string  `json:"id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Demand   int     `json:"demand"`
	Priority int     `json:"priority"`
}

type Vehicle struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
}

// Strategy selection tokens.
const (
	MethodConstructive = "constructive"
	MethodExact        = "exact"
	MethodLearned      = "learned"
)

// MethodInfo describes one selectable strategy.
type MethodInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	RecommendedFor string   `json:"recommended_for"`
	Aliases        []string `json:"aliases"`
	Available      bool     `json:"available"`
	Default        bool     `json:"default"`
}

// OptimizeRequest is the stateless input of one optimization call.
type OptimizeRequest struct {
	Depot        Depot      `json:"depot"`
	Customers    []Customer `json:"customers"`
	Vehicles     []Vehicle  `json:"vehicles"`
	Method       string     `json:"method,omitempty"`
	UseRealRoads bool       `json:"use_real_roads,omitempty"`
	Improve      bool       `json:"improve,omitempty"`
	ModelName    string     `json:"model_name,omitempty"`
}

// Stop is one customer visit inside a route.
type Stop struct {
	CustomerID           string   `json:"customer_id"`
	Location             Location `json:"location"`
	Demand               int      `json:"demand"`
	Sequence             int      `json:"sequence"`
	LegDistanceKm        float64  `json:"leg_distance_km"`
	CumulativeDistanceKm float64  `json:"cumulative_distance_km"`
}

// Route is the plan of one vehicle: depot, stops, depot.
type Route struct {
	VehicleID        string     `json:"vehicle_id"`
	Stops            []Stop     `json:"stops"`
	TotalDistanceKm  float64    `json:"total_distance_km"`
	TotalTimeMinutes float64    `json:"total_time_minutes"`
	TotalDemand      int        `json:"total_demand"`
	Polyline         []Location `json:"polyline"`
	RoadGeometry     bool       `json:"road_geometry"`
}

// Result is the canonical optimization outcome shared by every strategy.
type Result struct {
	ID                 string         `json:"id"`
	Success            bool           `json:"success"`
	Method             string         `json:"method"`
	Routes             []Route        `json:"routes"`
	TotalDistanceKm    float64        `json:"total_distance_km"`
	TotalTimeMinutes   float64        `json:"total_time_minutes"`
	CustomersServed    int            `json:"customers_served"`
	CustomersUnserved  int            `json:"customers_unserved"`
	Unserved           []string       `json:"unserved"`
	OptimizationTimeMs int64          `json:"optimization_time_ms"`
	Metrics            map[string]any `json:"metrics"`
	Error              string         `json:"error,omitempty"`
}

// TrainingConfig is the request body of a training run.
type TrainingConfig struct {
	ModelName       string  `json:"model_name"`
	Episodes        int     `json:"episodes"`
	NumCustomers    int     `json:"num_customers"`
	NumVehicles     int     `json:"num_vehicles"`
	VehicleCapacity int     `json:"vehicle_capacity"`
	LearningRate    float64 `json:"learning_rate"`
	Gamma           float64 `json:"gamma"`
	EpsilonStart    float64 `json:"epsilon_start"`
	EpsilonEnd      float64 `json:"epsilon_end"`
	EpsilonDecay    float64 `json:"epsilon_decay"`
	BatchSize       int     `json:"batch_size"`
	MemorySize      int     `json:"memory_size"`
	TargetUpdate    int     `json:"target_update"`
	Dueling         bool    `json:"dueling"`
	Prioritized     bool    `json:"prioritized"`
	Activate        bool    `json:"activate"`
	Seed            int64   `json:"seed,omitempty"`
}

// TrainingStatus is a read-only snapshot of the active or last run.
type TrainingStatus struct {
	RunID                     string   `json:"run_id,omitempty"`
	ModelName                 string   `json:"model_name,omitempty"`
	IsTraining                bool     `json:"is_training"`
	CurrentEpisode            int      `json:"current_episode"`
	TotalEpisodes             int      `json:"total_episodes"`
	CurrentReward             float64  `json:"current_reward"`
	BestReward                float64  `json:"best_reward"`
	AvgRewardLast100          float64  `json:"avg_reward_last_100"`
	Epsilon                   float64  `json:"epsilon"`
	ElapsedSeconds            float64  `json:"elapsed_seconds"`
	EstimatedRemainingSeconds *float64 `json:"estimated_remaining_seconds"`
	Error                     string   `json:"error,omitempty"`
}

// ModelInfo is one row of the trained artifact registry.
type ModelInfo struct {
	Name            string         `json:"name"`
	Version         string         `json:"version"`
	ModelType       string         `json:"model_type"`
	FilePath        string         `json:"file_path"`
	IsActive        bool           `json:"is_active"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
	TrainedEpisodes int            `json:"trained_episodes"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// HistoryEntry is one periodic training progress record.
type HistoryEntry struct {
	ModelName           string         `json:"model_name"`
	RunID               string         `json:"run_id,omitempty"`
	Episode             int            `json:"episode"`
	TotalReward         float64        `json:"total_reward"`
	AvgReward           float64        `json:"avg_reward"`
	AvgDistance         float64        `json:"avg_distance"`
	AvgDeliveries       float64        `json:"avg_deliveries"`
	Epsilon             float64        `json:"epsilon"`
	Loss                float64        `json:"loss"`
	TrainingTimeSeconds float64        `json:"training_time_seconds"`
	Hyperparameters     map[string]any `json:"hyperparameters,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Package fleet autoscales a roster of worker processes to the queue backlog.
package fleet

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config tunes the controller.
type Config struct {
	MinWorkers        int           `validate:"min=0"`
	MaxWorkers        int           `validate:"min=1,gtefield=MinWorkers"`
	CheckInterval     time.Duration `validate:"gt=0"`
	ScaleUpCooldown   time.Duration `validate:"min=0"`
	ScaleDownCooldown time.Duration `validate:"min=0"`
	GracePeriod       time.Duration `validate:"gt=0"`
	SpawnRate         float64       `validate:"min=0"` // spawns per second, 0 is unlimited
	NamePrefix        string        `validate:"max=64"`
}

// DefaultConfig returns the default controller config.
// Scaling down is five times more conservative than scaling up.
func DefaultConfig() Config {
	return Config{
		MinWorkers:        1,
		MaxWorkers:        10,
		CheckInterval:     30 * time.Second,
		ScaleUpCooldown:   60 * time.Second,
		ScaleDownCooldown: 300 * time.Second,
		GracePeriod:       10 * time.Second,
		NamePrefix:        "fleet-",
	}
}

var validate = validator.New()

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid fleet config: %w", err)
	}
	return nil
}

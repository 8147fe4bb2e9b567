package providers

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys.
// Dots in keys become underscores, e.g. FLEET_REDIS_HOST for redis.host.
const EnvPrefix = "FLEET"

// LoadConfig reads the config file, if any, and enables environment overrides.
func LoadConfig(path string) error {
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return nil
}

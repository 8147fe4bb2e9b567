package config

import (
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Cmd is the config sub-command.
var Cmd = cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: "Prints the configuration after applying defaults, the config file\n" +
		"and environment overrides, in TOML format.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return Dump(cmd.OutOrStdout(), viper.AllSettings())
	},
}

// Dump writes settings as TOML.
func Dump(w io.Writer, settings map[string]interface{}) error {
	tree, err := toml.TreeFromMap(normalize(settings))
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = tree.WriteTo(w)
	return err
}

// Durations are printed the way they are parsed.
func normalize(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		switch v := v.(type) {
		case map[string]interface{}:
			out[k] = normalize(v)
		case time.Duration:
			out[k] = v.String()
		default:
			out[k] = v
		}
	}
	return out
}

// Config loading for the larder CLI.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	cfgKeyDataDir  = "data_dir"
	cfgKeyFilename = "filename"
	cfgKeyTimeout  = "timeout"
)

// loadConfig reads config.yaml from the config directory using Viper.
// A missing config.yaml is not an error; defaults apply.
func loadConfig(configDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(cfgKeyFilename, "larder.db")
	v.SetDefault(cfgKeyTimeout, 10*time.Second)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

package config

import (
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	AppName           = "chainhead"
	ConfigPathVar     = "CHAINHEAD_CONFIG_PATH"
	DefaultConfigPath = "./chainhead.yml"
)

type AppConfig struct {
	NodeConfig   *NodeConfig   `yaml:"node"`
	FollowConfig *FollowConfig `yaml:"follow"`
	ServerConfig *ServerConfig `yaml:"server"`
}

func NewAppConfig() (*AppConfig, error) {
	configPath := os.Getenv(ConfigPathVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	log.Debug().Msgf("reading the config file %s", configPath)

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	return ParseAppConfig(file)
}

func ParseAppConfig(file []byte) (*AppConfig, error) {
	appConfig := AppConfig{}
	err := yaml.Unmarshal(file, &appConfig)
	if err != nil {
		return nil, err
	}

	appConfig.setDefaults()
	err = appConfig.validate()
	if err != nil {
		return nil, err
	}

	return &appConfig, nil
}

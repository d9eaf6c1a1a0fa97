package config

import "fmt"

func (a *AppConfig) validate() error {
	if err := a.NodeConfig.validate(); err != nil {
		return fmt.Errorf("error during node config validation, cause: %w", err)
	}
	if err := a.FollowConfig.validate(); err != nil {
		return fmt.Errorf("error during follow config validation, cause: %w", err)
	}
	if err := a.ServerConfig.validate(); err != nil {
		return fmt.Errorf("error during server config validation, cause: %w", err)
	}
	return nil
}

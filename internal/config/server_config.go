package config

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

type ServerConfig struct {
	MetricsPort     int              `yaml:"metrics-port"`
	PprofPort       int              `yaml:"pprof-port"`
	PyroscopeConfig *PyroscopeConfig `yaml:"pyroscope-config"`
}

type PyroscopeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Url      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (p *PyroscopeConfig) GetServerAddress() string {
	return p.Url
}

func (p *PyroscopeConfig) GetServerUsername() string {
	return p.Username
}

func (p *PyroscopeConfig) GetServerPassword() string {
	return p.Password
}

func (s *ServerConfig) validate() error {
	if s.MetricsPort < 0 {
		return fmt.Errorf("incorrect metrics port - %d", s.MetricsPort)
	}
	if s.PprofPort < 0 {
		return fmt.Errorf("incorrect pprof port - %d", s.PprofPort)
	}

	ports := mapset.NewThreadUnsafeSet[int]()
	for _, port := range []int{s.MetricsPort, s.PprofPort} {
		if port == 0 {
			continue
		}
		if ports.ContainsOne(port) {
			return fmt.Errorf("port %d is already in use", port)
		}
		ports.Add(port)
	}

	if s.PyroscopeConfig.Enabled {
		if s.PyroscopeConfig.Url == "" {
			return errors.New("pyroscope is enabled, url must be specified")
		}
	}
	return nil
}

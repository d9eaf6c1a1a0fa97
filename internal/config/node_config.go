package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

type NodeConfig struct {
	Url             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	DialAttempts    int               `yaml:"dial-attempts"`
	InternalTimeout time.Duration     `yaml:"internal-timeout"` // bounds background calls such as unpin
	MessageBuffer   int               `yaml:"message-buffer"`   // per node subscription
}

func (n *NodeConfig) validate() error {
	if n.Url == "" {
		return errors.New("empty node url")
	}
	parsed, err := url.Parse(n.Url)
	if err != nil {
		return fmt.Errorf("invalid node url '%s': %w", n.Url, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("invalid node url '%s', only ws and wss schemes are supported", n.Url)
	}
	if n.DialAttempts < 1 {
		return fmt.Errorf("dial attempts must be >= 1, got %d", n.DialAttempts)
	}
	if n.InternalTimeout <= 0 {
		return errors.New("internal timeout must be > 0")
	}
	if n.MessageBuffer <= 0 {
		return fmt.Errorf("message buffer must be > 0, got %d", n.MessageBuffer)
	}
	return nil
}

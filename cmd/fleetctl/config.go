package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// cliConfig is read from ~/.fleetctl.yaml; flags override each field.
type cliConfig struct {
	MasterURL      string `yaml:"master_url"`
	NodeName       string `yaml:"node_name"`
	PrivateKey     string `yaml:"private_key"`
	BootstrapToken string `yaml:"bootstrap_token"`
	Audience       string `yaml:"audience"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetctl.yaml"
	}
	return filepath.Join(home, ".fleetctl.yaml")
}

// loadCLIConfig returns defaults when path does not exist.
func loadCLIConfig(path string) (cliConfig, error) {
	cfg := cliConfig{
		MasterURL: "http://localhost:3000",
		Audience:  "fleet",
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cliConfig{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin          string        `yaml:"origin"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	DB              string        `yaml:"db"`
	Poll            time.Duration `yaml:"poll"`
	Concurrency     int           `yaml:"concurrency"`
	PrefetchTimeout time.Duration `yaml:"prefetchTimeout"`
	MaxStoredSize   int           `yaml:"maxStoredSize"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

package main

import (
	"errors"
	"fmt"

	"github.com/ericselin/vworker/buildsync"
	"github.com/ericselin/vworker/manifest"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configFileName = "vw"
	configFileType = "yaml"
	envPrefix      = "VW"

	cfgKeyTag           = "tag"
	cfgKeyDist          = "dist"
	cfgKeyOut           = "out"
	cfgKeyState         = "state"
	cfgKeyCapacity      = "batch-capacity"
	cfgKeyRetained      = "retained-batches"
	cfgKeyPassthrough   = "passthrough"
	cfgKeyElevatedPatch = "elevated-patch"
	cfgKeyMajor         = "major"
	cfgKeyCritical      = "critical"
	cfgKeyRules         = "rules"
	cfgKeyRoutes        = "routes"
)

var cfg = viper.New()

// route is listed as a url/file pair, viper would mangle URLs used as map keys.
type route struct {
	URL  string `mapstructure:"url"`
	File string `mapstructure:"file"`
}

func bindBuildFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(cfgKeyTag, "", "Cache tag of the app")
	flags.String(cfgKeyDist, "dist", "Directory holding the built app")
	flags.String(cfgKeyOut, "", "Directory to write release files to (default: the dist directory)")
	flags.String(cfgKeyState, "", "Manifest file kept between builds (default: <out>/_vw/manifest.json)")
	flags.Int(cfgKeyCapacity, buildsync.DefaultBatchCapacity, "Releases per delta batch")
	flags.Int(cfgKeyRetained, buildsync.DefaultRetained, "Delta batches kept")
	flags.Bool(cfgKeyPassthrough, false, "Allow clients to bypass the worker")
	flags.Int(cfgKeyElevatedPatch, 0, "Elevated patch id, a new value marks the release as an elevated patch")
	flags.Int(cfgKeyMajor, 0, "Major update id, a new value marks the release as a major update")
	flags.Int(cfgKeyCritical, 0, "Critical update id, a new value marks the release as a critical update")
	if err := cfg.BindPFlags(flags); err != nil {
		panic(err)
	}
}

// loadConfig reads the config file and environment on top of the flags.
// A missing config file is not an error.
func loadConfig(cmd *cobra.Command) error {
	cfg.SetEnvPrefix(envPrefix)
	cfg.AutomaticEnv()
	if configFlag != "" {
		cfg.SetConfigFile(configFlag)
	} else {
		cfg.SetConfigName(configFileName)
		cfg.SetConfigType(configFileType)
		cfg.AddConfigPath(".")
	}
	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		log.Debug().Msg("No config file found")
	} else {
		log.Debug().Str("file", cfg.ConfigFileUsed()).Msg("Using config file")
	}
	return nil
}

// buildContext assembles the build context from the loaded configuration.
func buildContext() (buildsync.BuildContext, error) {
	rules := buildsync.Rules{}
	if err := cfg.UnmarshalKey(cfgKeyRules, &rules); err != nil {
		return buildsync.BuildContext{}, fmt.Errorf("rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return buildsync.BuildContext{}, err
	}
	routeList := []route{}
	if err := cfg.UnmarshalKey(cfgKeyRoutes, &routeList); err != nil {
		return buildsync.BuildContext{}, fmt.Errorf("routes: %w", err)
	}
	routes := make(map[string]string, len(routeList))
	for _, r := range routeList {
		routes[r.URL] = r.File
	}
	ctx := buildsync.BuildContext{
		Tag:           cfg.GetString(cfgKeyTag),
		DistDir:       cfg.GetString(cfgKeyDist),
		OutDir:        cfg.GetString(cfgKeyOut),
		StatePath:     cfg.GetString(cfgKeyState),
		BatchCapacity: cfg.GetInt(cfgKeyCapacity),
		Retained:      cfg.GetInt(cfgKeyRetained),
		Overrides: manifest.Overrides{
			ElevatedPatch: overrideValue(cfgKeyElevatedPatch),
			Major:         overrideValue(cfgKeyMajor),
			Critical:      overrideValue(cfgKeyCritical),
		},
		Classifiers: []buildsync.Classifier{rules.Classifier()},
		Routes:      routes,
		Passthrough: cfg.GetBool(cfgKeyPassthrough),
		Logger:      log.Logger,
	}
	if ctx.Tag == "" {
		return ctx, errors.New("tag must be set (flag --tag, VW_TAG or tag: in vw.yaml)")
	}
	return ctx, nil
}

// overrideValue returns the escalation id if it was given at all.
func overrideValue(key string) *int {
	if !cfg.IsSet(key) {
		return nil
	}
	v := cfg.GetInt(key)
	return &v
}

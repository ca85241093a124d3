// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/publisher/internal/config"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	natsURL    string
	prefix     string
)

var rootCmd = &cobra.Command{
	Use:   "opcua-publisher",
	Short: "Publish OPC UA data changes and events to NATS",
	Long: `Subscribes to the nodes and events listed in a configuration file and
publishes every notification as a JSON message on NATS.

Examples:
  opcua-publisher run -c publisher.yaml
  opcua-publisher run -c publisher.yaml --nats-url nats://broker:4222
  opcua-publisher validate -c publisher.yaml`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "publisher.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format override (text, json)")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL override")
	rootCmd.PersistentFlags().StringVar(&prefix, "prefix", "", "Subject prefix override")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("nats-url", rootCmd.PersistentFlags().Lookup("nats-url"))
	viper.BindPFlag("prefix", rootCmd.PersistentFlags().Lookup("prefix"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	viper.SetEnvPrefix("OPCPUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the configuration file and applies flag and environment
// overrides, e.g. OPCPUB_NATS_URL.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if v := viper.GetString("nats-url"); v != "" {
		cfg.NATS.URL = v
	}
	if v := viper.GetString("prefix"); v != "" {
		cfg.NATS.Prefix = v
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

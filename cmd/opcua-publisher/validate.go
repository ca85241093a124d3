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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	publisher "github.com/edgeo-scada/publisher"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file and list its subscriptions",
	Long: `Loads the configuration, applies defaults and prints every subscription
with its items. With --dump the effective configuration is printed as YAML.

Examples:
  opcua-publisher validate -c publisher.yaml
  opcua-publisher validate -c publisher.yaml --dump`,
	RunE: runValidate,
}

var dumpConfig bool

func init() {
	validateCmd.Flags().BoolVar(&dumpConfig, "dump", false, "Print the effective configuration")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if dumpConfig {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	groups, err := cfg.Groups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		printGroup(out, g)
	}
	fmt.Fprintf(out, "%d subscription(s) on %d connection(s)\n", len(groups), len(cfg.Connections))
	return nil
}

func printGroup(w io.Writer, g publisher.SubscriptionGroup) {
	p := publisher.ParametersFor(g)
	fmt.Fprintf(w, "%s\n", g.ID())
	fmt.Fprintf(w, "  publishing: %s, keep-alive: %d, lifetime: %d\n",
		p.PublishingInterval, p.MaxKeepAliveCount, p.LifetimeCount)
	if g.IsInert() {
		fmt.Fprintln(w, "  (no items)")
		return
	}
	for _, it := range g.Items() {
		b := it.Base()
		addr := b.Address()
		if it.Kind() == publisher.KindExtensionField {
			addr = "-"
		}
		fmt.Fprintf(w, "  %-17s %-24s %s\n", it.Kind(), it.ItemID(), addr)
	}
}

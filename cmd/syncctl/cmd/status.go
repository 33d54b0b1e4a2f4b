/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yukihamada/solusync-x/stats"
)

var statusPrefixFlag string

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusPrefixFlag, "prefix", "p", "", "only show counters with this prefix")
}

func statusRun(server, prefix string) error {
	counters, err := stats.FetchCounters(server)
	if err != nil {
		return fmt.Errorf("fetching counters: %w", err)
	}

	keys := make([]string, 0, len(counters))
	for k := range counters {
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"counter", "value"})
	for _, k := range keys {
		v := counters[k]
		val := fmt.Sprintf("%d", v)
		if v != 0 {
			val = color.GreenString(val)
		}
		table.Append([]string{k, val})
	}
	table.Render()
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print server counters: messages, clock samples, media frames",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		if err := statusRun(rootServerFlag, statusPrefixFlag); err != nil {
			log.Fatal(err)
		}
	},
}

/*
Copyright (c) The ntpd Authors.

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
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/coreclock/ntpd/control"
)

var sourcesAssocID uint16

func init() {
	RootCmd.AddCommand(sourcesCmd)
	sourcesCmd.Flags().Uint16VarP(&sourcesAssocID, "assoc", "a", 0, "only show this association id (0 = all)")
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources and their current statistics",
	RunE: func(_ *cobra.Command, _ []string) error {
		client, conn, err := dialControl()
		if err != nil {
			return err
		}
		defer conn.Close()

		msg, err := client.ReadSources(sourcesAssocID)
		if err != nil {
			return err
		}
		return renderSources(msg.Data)
	},
}

func renderSources(data []byte) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"assoc", "address", "reach", "offset", "freq(ppm)", "samples"})

	if len(data) == 0 {
		table.Render()
		return nil
	}

	for _, row := range strings.Split(string(data), "\n") {
		fields, err := control.DecodeKV([]byte(row))
		if err != nil {
			return fmt.Errorf("decoding source row: %w", err)
		}
		reach := fields["reach"]
		if reach == "true" {
			reach = color.GreenString("yes")
		} else {
			reach = color.RedString("no")
		}
		table.Append([]string{
			fields["assoc_id"],
			fields["addr"],
			reach,
			fields["offset"],
			fields["freq_ppm"],
			fields["n_samples"],
		})
	}
	table.Render()
	return nil
}

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
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coreclock/ntpd/control"
	"github.com/coreclock/ntpd/reference"
)

func init() {
	RootCmd.AddCommand(trackingCmd)
}

var trackingCmd = &cobra.Command{
	Use:   "tracking",
	Short: "Show the daemon's current synchronization status",
	RunE: func(_ *cobra.Command, _ []string) error {
		client, conn, err := dialControl()
		if err != nil {
			return err
		}
		defer conn.Close()

		msg, err := client.ReadTracking()
		if err != nil {
			return err
		}
		fields, err := control.DecodeKV(msg.Data)
		if err != nil {
			return err
		}
		printTracking(fields)
		return nil
	},
}

func printTracking(fields map[string]string) {
	sync := "unsynchronized"
	syncColor := color.RedString
	if fields["sync"] == strconv.Itoa(int(reference.Synchronized)) {
		sync = "synchronized"
		syncColor = color.GreenString
	}
	fmt.Printf("Status:     %s\n", syncColor(sync))
	fmt.Printf("Stratum:    %s\n", fields["stratum"])
	fmt.Printf("Frequency:  %s ppm\n", fields["freq_ppm"])
	fmt.Printf("Leap:       %s\n", leapName(fields["leap_status"]))
	fmt.Printf("Last update: %s\n", fields["last_update"])
}

func leapName(code string) string {
	switch code {
	case strconv.Itoa(int(reference.LeapPendingInsert)):
		return "pending insert"
	case strconv.Itoa(int(reference.LeapPendingDelete)):
		return "pending delete"
	case strconv.Itoa(int(reference.LeapInProgress)):
		return "in progress"
	default:
		return "normal"
	}
}

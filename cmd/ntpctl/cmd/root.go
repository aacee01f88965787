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

// Package cmd implements the ntpctl command-line entrypoint, a thin
// client over the daemon's local control socket.
package cmd

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreclock/ntpd/control"
)

var socketPath string

// RootCmd is ntpctl's cobra entry point.
var RootCmd = &cobra.Command{
	Use:   "ntpctl",
	Short: "Inspect a running ntpd daemon over its control socket",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/ntpd.sock", "path to the daemon's control socket")
}

// dialControl connects to the daemon's control socket and wraps it in a
// control.Client, ready for ReadSources/ReadTracking.
func dialControl() (*control.Client, net.Conn, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return control.NewClient(conn), conn, nil
}

// Execute is the main entry point for the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

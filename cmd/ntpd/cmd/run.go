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
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/coreclock/ntpd/config"
	ntpdaemon "github.com/coreclock/ntpd/internal/daemon"
)

var cfgPath string

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&cfgPath, "config", "c", "/etc/ntpd.yaml", "path to the daemon config file")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the NTP daemon in the foreground",
	RunE: func(_ *cobra.Command, _ []string) error {
		configureVerbosity()
		return runDaemon(cfgPath)
	},
}

func runDaemon(path string) error {
	cfg, err := config.ReadConfig(path)
	if err != nil {
		return err
	}

	d, err := ntpdaemon.New(cfg)
	if err != nil {
		return err
	}

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.Registry(), promhttp.HandlerOpts{}))
		go func() {
			log.Warningf("serving metrics on %s", cfg.MetricsAddress)
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				log.Warningf("metrics server stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
	go func() {
		<-sigStop
		log.Warning("received shutdown signal, stopping")
		cancel()
	}()

	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("sd_notify: %v", err)
	} else if supported {
		log.Info("sent sd_notify ready")
	}

	return d.Run(ctx)
}

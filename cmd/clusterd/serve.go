// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/secmon/clusterd/lib/agentdb"
	"github.com/secmon/clusterd/lib/api"
	"github.com/secmon/clusterd/lib/build"
	"github.com/secmon/clusterd/lib/config"
	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/master"
	"github.com/secmon/clusterd/lib/svcutil"
)

type serveCmd struct {
	Debug       []string `name:"debug" placeholder:"FACILITY" help:"Enable debug logging for the given facilities"`
	PoolSize    int      `name:"pool-size" placeholder:"N" help:"Override the configured process pool size; 0 runs pool tasks synchronously" default:"-1"`
	NoAPI       bool     `name:"no-api" help:"Do not serve the REST API and Prometheus metrics"`
	Facilities  bool     `name:"facilities" help:"List the debug facilities and exit"`
}

func (c *serveCmd) Run(cli *CLI) error {
	if c.Facilities {
		facs := logger.DefaultLogger.Facilities()
		names := make([]string, 0, len(facs))
		for name := range facs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf(" - %-12s %s\n", name, facs[name])
		}
		return nil
	}
	for _, fac := range c.Debug {
		logger.DefaultLogger.SetDebug(strings.TrimSpace(fac), true)
	}

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	raw := cfg.RawCopy()
	if raw.NodeType != config.NodeTypeMaster {
		return svcutil.AsFatalErr(fmt.Errorf("node type is %s, only master nodes are supported", raw.NodeType), svcutil.ExitConfig)
	}
	if c.PoolSize >= 0 {
		raw.Master.ProcessPoolSize = c.PoolSize
		if err := cfg.Replace(raw); err != nil {
			return svcutil.AsFatalErr(err, svcutil.ExitConfig)
		}
	}

	l.Infoln(build.LongVersion)
	l.Infof("Cluster %s, node %s", raw.Name, raw.NodeName)

	dbPath := raw.Master.AgentDatabase
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(raw.RootDir, filepath.FromSlash(dbPath))
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitError)
	}
	agents, err := agentdb.Open(dbPath)
	if err != nil {
		return svcutil.AsFatalErr(fmt.Errorf("opening agent database: %w", err), svcutil.ExitError)
	}
	defer agents.Close()
	l.Infoln("Agent database at", agents.Location())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mainSvc := suture.New("main", svcutil.SpecWithInfoLogger(l))
	m := master.New(cfg, master.Options{Agents: agents})
	mainSvc.Add(m)
	if !c.NoAPI && raw.APIAddress != "" {
		errs := logger.NewRecorder(logger.DefaultLogger, logger.LevelWarn, 250, 10)
		mainSvc.Add(svcutil.AsService(func(ctx context.Context) error {
			err := api.Serve(ctx, raw.APIAddress, m, errs)
			if ctx.Err() == nil {
				// A busy port is not retried; the cluster keeps running.
				return svcutil.NoRestartErr(err)
			}
			return err
		}, "api@"+raw.APIAddress))
	}

	err = mainSvc.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		l.Infoln("Exiting")
		return nil
	}
	return err
}

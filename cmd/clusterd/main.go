// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command clusterd runs the master node of a cluster.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	_ "github.com/secmon/clusterd/lib/automaxprocs"
	"github.com/secmon/clusterd/lib/build"
	"github.com/secmon/clusterd/lib/config"
	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/svcutil"
)

const extraUsage = `
The following environment variables modify clusterd's behavior:

 CLTRACE       A comma separated string of facilities to trace. The valid
               facility strings are listed in "clusterd serve --help".
               "all" traces every facility.`

var l = logger.DefaultLogger.NewFacility("main", "Main package")

// CLI is the command line of clusterd.
type CLI struct {
	Config string `name:"config" short:"c" type:"path" placeholder:"PATH" env:"CLUSTERD_CONFIG" default:"/var/ossec/etc/cluster.xml" help:"Configuration file"`

	Serve   serveCmd   `cmd:"" default:"withargs" help:"Run the master node"`
	Echo    echoCmd    `cmd:"" help:"Send an echo request to a master node"`
	Version versionCmd `cmd:"" help:"Show version"`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println(build.LongVersion)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("clusterd"),
		kong.Description("Cluster master node."+extraUsage),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	if err == nil {
		return
	}

	l.Warnln(err)
	var ferr *svcutil.FatalErr
	if errors.As(err, &ferr) {
		os.Exit(ferr.Status.AsInt())
	}
	os.Exit(svcutil.ExitError.AsInt())
}

// loadConfig loads the configuration file. A missing file is created with
// the defaults.
func loadConfig(path string) (*config.Wrapper, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Wrap(path, config.New())
		if err := cfg.Save(); err != nil {
			return nil, svcutil.AsFatalErr(fmt.Errorf("saving default configuration: %w", err), svcutil.ExitConfig)
		}
		l.Infoln("Default configuration saved to", path)
		return cfg, nil
	}
	if err != nil {
		return nil, svcutil.AsFatalErr(fmt.Errorf("loading configuration: %w", err), svcutil.ExitConfig)
	}
	return cfg, nil
}

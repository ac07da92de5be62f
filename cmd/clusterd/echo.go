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
	"net"
	"strconv"
	"time"

	"github.com/secmon/clusterd/lib/protocol"
)

type echoCmd struct {
	Address string        `name:"address" placeholder:"HOST:PORT" help:"Master address; defaults to the configured bind address and port"`
	Timeout time.Duration `name:"timeout" default:"10s" help:"Connect and request timeout"`
	Message string        `arg:"" optional:"" default:"ping" help:"Message to echo"`
}

func (c *echoCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	raw := cfg.RawCopy()

	addr := c.Address
	if addr == "" {
		host := raw.BindAddress
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, strconv.Itoa(raw.Port))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	ep := protocol.NewEndpoint(conn, protocol.Options{
		Name:           addr,
		Root:           raw.RootDir,
		Key:            raw.Key,
		RequestChunk:   raw.Communication.RequestChunk,
		RequestTimeout: c.Timeout,
	})
	ep.Start()
	defer ep.Close(errors.New("echo done"))

	t0 := time.Now()
	res, err := ep.SendRequest(ctx, "echo", []byte(c.Message))
	if err != nil {
		return err
	}
	fmt.Printf("%s (%v)\n", res, time.Since(t0).Round(time.Millisecond))
	return nil
}

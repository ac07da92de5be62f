// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the read only HTTP view of a master node: cluster
// health, the connected nodes and the Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secmon/clusterd/lib/build"
	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/master"
	"github.com/secmon/clusterd/lib/protocol"
)

var l = logger.DefaultLogger.NewFacility("api", "REST API")

// Cluster is the part of the master the API reads from.
type Cluster interface {
	ConnectedNodes(q master.NodesQuery) master.NodesResult
	Health(filter master.NodeFilter) (master.Health, error)
}

// Handler returns the router for the API. Warnings recorded by errs are
// served under /rest/system/error.
//
//	GET  /metrics
//	GET  /rest/system/version
//	GET  /rest/system/error?since=2006-01-02T15:04:05Z
//	POST /rest/system/error/clear
//	GET  /rest/cluster/health?node=a,b
//	GET  /rest/cluster/nodes?node=a,b&type=worker&offset=0&limit=10&sort=name&order=desc
//	GET  /rest/cluster/nodes/:name
func Handler(c Cluster, errs logger.Recorder) http.Handler {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GET("/rest/system/version", getVersion)
	router.GET("/rest/system/traffic", getTraffic)
	router.GET("/rest/system/error", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var since time.Time
		if v := r.URL.Query().Get("since"); v != "" {
			var err error
			if since, err = time.Parse(time.RFC3339, v); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		lines := errs.Since(since)
		if lines == nil {
			lines = []logger.Line{}
		}
		sendJSON(w, map[string][]logger.Line{"errors": lines})
	})
	router.POST("/rest/system/error/clear", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		errs.Clear()
	})
	router.GET("/rest/cluster/health", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h, err := c.Health(nodeFilter(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sendJSON(w, h)
	})
	router.GET("/rest/cluster/nodes", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		q, err := nodesQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sendJSON(w, c.ConnectedNodes(q))
	})
	router.GET("/rest/cluster/nodes/:name", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		res := c.ConnectedNodes(master.NodesQuery{FilterNode: master.NodeFilter{p.ByName("name")}})
		if len(res.Items) == 0 {
			http.Error(w, "No such node", http.StatusNotFound)
			return
		}
		sendJSON(w, res.Items[0])
	})
	return router
}

// Serve serves the API on addr until the context is cancelled.
func Serve(ctx context.Context, addr string, c Cluster, errs logger.Recorder) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		l.Warnln("Starting API listener:", err)
		return err
	}

	srv := &http.Server{
		Handler:           Handler(c, errs),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	l.Infof("API listening on http://%s/", listener.Addr())
	err = srv.Serve(listener)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func getVersion(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sendJSON(w, map[string]interface{}{
		"version":        build.Version,
		"clusterVersion": build.ClusterVersion,
		"longVersion":    build.LongVersion,
	})
}

func getTraffic(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	in, out := protocol.TotalInOut()
	sendJSON(w, map[string]interface{}{
		"inBytesTotal":  in,
		"outBytesTotal": out,
	})
}

func nodeFilter(r *http.Request) master.NodeFilter {
	var f master.NodeFilter
	for _, v := range r.URL.Query()["node"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				f = append(f, name)
			}
		}
	}
	return f
}

func nodesQuery(r *http.Request) (master.NodesQuery, error) {
	qs := r.URL.Query()
	q := master.NodesQuery{
		FilterNode: nodeFilter(r),
		FilterType: qs.Get("type"),
	}
	var err error
	if v := qs.Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			return q, fmt.Errorf("invalid offset %q", v)
		}
	}
	if v := qs.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 0 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := qs.Get("sort"); v != "" {
		q.Sort = &master.NodesSort{Fields: strings.Split(v, ","), Order: qs.Get("order")}
	}
	return q, nil
}

func sendJSON(w http.ResponseWriter, jsonObject interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	bs, err := json.MarshalIndent(jsonObject, "", "  ")
	if err != nil {
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", bs)
}

// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading and writing of the cluster configuration file.
package config

import (
	"encoding/xml"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/secmon/clusterd/lib/util"
)

const (
	CurrentVersion = 1

	NodeTypeMaster = "master"
	NodeTypeWorker = "worker"

	// KeyLength is the length of a raw cluster key. Keys of any other
	// length are stretched before use.
	KeyLength = 32
)

var (
	errNoName        = errors.New("cluster name must not be empty")
	errNoNodeName    = errors.New("node name must not be empty")
	errBadNodeType   = errors.New("node type must be master or worker")
	errBadZipLimits  = errors.New("minimum zip size must not exceed maximum zip size")
	errBadTolerance  = errors.New("zip limit tolerance must be in (0, 1)")
	errBadChunk      = errors.New("request chunk must be larger than the frame header")
	errNameHasSpaces = errors.New("cluster and node names must not contain spaces")
)

type Configuration struct {
	XMLName        xml.Name                   `xml:"cluster" json:"-"`
	Version        int                        `xml:"version,attr" json:"version"`
	Name           string                     `xml:"name" json:"name" default:"wazuh"`
	NodeName       string                     `xml:"nodeName" json:"nodeName" default:"master-node"`
	NodeType       string                     `xml:"nodeType" json:"nodeType" default:"master"`
	Key            string                     `xml:"key" json:"-"`
	BindAddress    string                     `xml:"bindAddress" json:"bindAddress" default:"0.0.0.0"`
	Port           int                        `xml:"port" json:"port" default:"1516"`
	Nodes          []string                   `xml:"node" json:"nodes"`
	RootDir        string                     `xml:"rootDir" json:"rootDir" default:"/var/ossec"`
	APIAddress     string                     `xml:"apiAddress" json:"apiAddress" default:"127.0.0.1:9516"`
	ProtectedFile  string                     `xml:"protectedFile" json:"protectedFile" default:"client.keys"`
	Communication  CommunicationConfiguration `xml:"communication" json:"communication"`
	Master         MasterConfiguration        `xml:"master" json:"master"`
	Items          []ItemConfiguration        `xml:"item" json:"items"`
}

// CommunicationConfiguration holds the limits and timeouts of the wire
// protocol and of file transfers.
type CommunicationConfiguration struct {
	RequestChunk           int     `xml:"requestChunk" json:"requestChunk" default:"5242880"`
	TimeoutClusterRequestS int     `xml:"timeoutClusterRequestS" json:"timeoutClusterRequestS" default:"20"`
	TimeoutDAPIRequestS    int     `xml:"timeoutDapiRequestS" json:"timeoutDapiRequestS" default:"200"`
	TimeoutReceivingFileS  int     `xml:"timeoutReceivingFileS" json:"timeoutReceivingFileS" default:"120"`
	MinZipSize             int64   `xml:"minZipSize" json:"minZipSize" default:"31457280"`
	MaxZipSize             int64   `xml:"maxZipSize" json:"maxZipSize" default:"1073741824"`
	ZipLimitTolerance      float64 `xml:"zipLimitTolerance" json:"zipLimitTolerance" default:"0.2"`
	MaxSendKiBps           int     `xml:"maxSendKiBps" json:"maxSendKiBps" default:"0"`
}

func (c CommunicationConfiguration) TimeoutClusterRequest() time.Duration {
	return time.Duration(c.TimeoutClusterRequestS) * time.Second
}

func (c CommunicationConfiguration) TimeoutDAPIRequest() time.Duration {
	return time.Duration(c.TimeoutDAPIRequestS) * time.Second
}

func (c CommunicationConfiguration) TimeoutReceivingFile() time.Duration {
	return time.Duration(c.TimeoutReceivingFileS) * time.Second
}

// MasterConfiguration holds the intervals used only by the master node.
type MasterConfiguration struct {
	RecalculateIntegrityS    int    `xml:"recalculateIntegrityS" json:"recalculateIntegrityS" default:"8"`
	MaxLockedIntegrityTimeS  int    `xml:"maxLockedIntegrityTimeS" json:"maxLockedIntegrityTimeS" default:"1000"`
	TimeoutAgentInfoS        int    `xml:"timeoutAgentInfoS" json:"timeoutAgentInfoS" default:"40"`
	TimeoutExtraValidS       int    `xml:"timeoutExtraValidS" json:"timeoutExtraValidS" default:"40"`
	ProcessPoolSize          int    `xml:"processPoolSize" json:"processPoolSize" default:"2"`
	MaxTimeWithoutKeepAliveS int    `xml:"maxTimeWithoutKeepAliveS" json:"maxTimeWithoutKeepAliveS" default:"120"`
	AgentDatabase            string `xml:"agentDatabase" json:"agentDatabase" default:"queue/cluster/agents.db"`
}

func (c MasterConfiguration) RecalculateIntegrity() time.Duration {
	return time.Duration(c.RecalculateIntegrityS) * time.Second
}

func (c MasterConfiguration) MaxLockedIntegrityTime() time.Duration {
	return time.Duration(c.MaxLockedIntegrityTimeS) * time.Second
}

func (c MasterConfiguration) TimeoutAgentInfo() time.Duration {
	return time.Duration(c.TimeoutAgentInfoS) * time.Second
}

func (c MasterConfiguration) TimeoutExtraValid() time.Duration {
	return time.Duration(c.TimeoutExtraValidS) * time.Second
}

func (c MasterConfiguration) MaxTimeWithoutKeepAlive() time.Duration {
	return time.Duration(c.MaxTimeWithoutKeepAliveS) * time.Second
}

// An ItemConfiguration describes one synchronized directory, relative to
// the root directory. Files matching any of the patterns (or every file,
// when no pattern is given) are part of the integrity snapshot.
type ItemConfiguration struct {
	Key         string   `xml:"key,attr" json:"key"`
	Patterns    []string `xml:"pattern" json:"patterns"`
	Recursive   bool     `xml:"recursive,attr" json:"recursive"`
	ExtraValid  bool     `xml:"extraValid,attr" json:"extraValid"`
	Permissions FileMode `xml:"permissions,attr" json:"permissions"`
	Description string   `xml:"description" json:"description"`
}

// Dir returns the item directory in canonical (slash separated, no
// trailing slash) form.
func (i ItemConfiguration) Dir() string {
	return path.Clean(strings.Trim(i.Key, "/"))
}

// DefaultItems are used when the configuration lists no items.
func DefaultItems() []ItemConfiguration {
	return []ItemConfiguration{
		{Key: "etc/", Patterns: []string{"client.keys"}, Permissions: 0o640, Description: "client keys file database"},
		{Key: "etc/lists/", Recursive: true, Permissions: 0o660, Description: "user CDB lists"},
		{Key: "etc/shared/", Recursive: true, Permissions: 0o660, Description: "shared configuration files"},
		{Key: "etc/rules/", Patterns: []string{"*.xml"}, Permissions: 0o660, Description: "user rules"},
		{Key: "etc/decoders/", Patterns: []string{"*.xml"}, Permissions: 0o660, Description: "user decoders"},
		{Key: "queue/agent-groups/", ExtraValid: true, Permissions: 0o660, Description: "agents group configuration"},
	}
}

// New returns a configuration with all defaults applied.
func New() Configuration {
	var cfg Configuration
	cfg.Version = CurrentVersion
	util.SetDefaults(&cfg)
	cfg.prepare()
	return cfg
}

// ReadXML reads and validates a configuration.
func ReadXML(r io.Reader) (Configuration, error) {
	var cfg Configuration

	util.SetDefaults(&cfg)

	if err := xml.NewDecoder(r).Decode(&cfg); err != nil {
		return Configuration{}, err
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	cfg.prepare()
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// WriteXML writes the configuration, indented, to w.
func (cfg *Configuration) WriteXML(w io.Writer) error {
	e := xml.NewEncoder(w)
	e.Indent("", "    ")
	if err := e.Encode(cfg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}

func (cfg *Configuration) prepare() {
	cfg.Nodes = util.UniqueTrimmedStrings(cfg.Nodes)
	if len(cfg.Items) == 0 {
		cfg.Items = DefaultItems()
	}
	for i := range cfg.Items {
		if cfg.Items[i].Permissions == 0 {
			cfg.Items[i].Permissions = 0o660
		}
	}
}

// Validate checks the invariants the rest of the program relies on.
func (cfg Configuration) Validate() error {
	switch {
	case cfg.Name == "":
		return errNoName
	case cfg.NodeName == "":
		return errNoNodeName
	case strings.ContainsRune(cfg.Name, ' ') || strings.ContainsRune(cfg.NodeName, ' '):
		return errNameHasSpaces
	case cfg.NodeType != NodeTypeMaster && cfg.NodeType != NodeTypeWorker:
		return errBadNodeType
	case cfg.Communication.MinZipSize > cfg.Communication.MaxZipSize:
		return errBadZipLimits
	case cfg.Communication.ZipLimitTolerance <= 0 || cfg.Communication.ZipLimitTolerance >= 1:
		return errBadTolerance
	case cfg.Communication.RequestChunk <= 1024:
		return errBadChunk
	}
	return nil
}

// Copy returns a deep copy of the configuration.
func (cfg Configuration) Copy() Configuration {
	newCfg := cfg
	newCfg.Nodes = make([]string, len(cfg.Nodes))
	copy(newCfg.Nodes, cfg.Nodes)
	newCfg.Items = make([]ItemConfiguration, len(cfg.Items))
	for i, it := range cfg.Items {
		newCfg.Items[i] = it
		newCfg.Items[i].Patterns = append([]string(nil), it.Patterns...)
	}
	return newCfg
}

// Item returns the item configuration with the given key.
func (cfg Configuration) Item(key string) (ItemConfiguration, bool) {
	for _, it := range cfg.Items {
		if it.Key == key {
			return it, true
		}
	}
	return ItemConfiguration{}, false
}

// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package agentdb is the master's store of agent state reported by the
// workers. Agents are kept as JSON objects keyed by agent ID.
package agentdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	dbMaxOpenFiles = 100
	dbWriteBuffer  = 4 << 20

	keyPrefixAgent = "agent/"
)

// SyncAgentInfoCommand replaces the reported fields of each agent in the
// statement's chunk.
const SyncAgentInfoCommand = "global sync-agent-info-set"

// DaemonName is the name send-sync requests use to address the store.
const DaemonName = "wazuh-db"

var (
	errNoPayload   = errors.New("statement has no JSON payload")
	errNoAgentID   = errors.New("agent object without id")
	errUnknownStmt = errors.New("invalid command")
)

// An Agent is the stored state of one agent.
type Agent map[string]interface{}

// Store is a leveldb backed agent store. It is safe for concurrent use.
type Store struct {
	ldb      *leveldb.DB
	location string
}

// Open opens the store at location, creating it when needed. A corrupted
// database that cannot be recovered is recreated.
func Open(location string) (*Store, error) {
	opts := &opt.Options{
		OpenFilesCacheCapacity: dbMaxOpenFiles,
		WriteBuffer:            dbWriteBuffer,
	}
	ldb, err := leveldb.OpenFile(location, opts)
	if leveldbIsCorrupted(err) {
		ldb, err = leveldb.RecoverFile(location, opts)
	}
	if leveldbIsCorrupted(err) {
		l.Infoln("Agent database corruption detected, unable to recover. Reinitializing...")
		if err := os.RemoveAll(location); err != nil {
			return nil, fmt.Errorf("deleting corrupted agent database: %w", err)
		}
		ldb, err = leveldb.OpenFile(location, opts)
	}
	if err != nil {
		return nil, err
	}
	return &Store{ldb: ldb, location: location}, nil
}

// OpenMemory returns a store that is not persisted.
func OpenMemory() *Store {
	ldb, _ := leveldb.Open(storage.NewMemStorage(), nil)
	return &Store{ldb: ldb, location: "<memory>"}
}

func (s *Store) Location() string {
	return s.location
}

func (s *Store) Close() error {
	return s.ldb.Close()
}

// Exec runs one statement: a command followed by a space and its JSON
// payload.
func (s *Store) Exec(statement string) error {
	idx := strings.IndexAny(statement, "[{")
	if idx < 0 {
		return errNoPayload
	}
	cmd := strings.TrimSpace(statement[:idx])
	payload := []byte(statement[idx:])

	switch cmd {
	case SyncAgentInfoCommand:
		return s.syncAgentInfo(payload)
	default:
		return fmt.Errorf("%w '%s'", errUnknownStmt, cmd)
	}
}

// syncAgentInfo stores a JSON array of agents. Fields present in the
// payload replace the stored ones. The chunk is written atomically.
func (s *Store) syncAgentInfo(payload []byte) error {
	var agents []Agent
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&agents); err != nil {
		return fmt.Errorf("parsing agent chunk: %w", err)
	}

	batch := new(leveldb.Batch)
	for _, a := range agents {
		id, ok := agentID(a)
		if !ok {
			return errNoAgentID
		}
		key := agentKey(id)

		stored, err := s.get(key)
		if err != nil {
			return err
		}
		for k, v := range a {
			stored[k] = v
		}
		bs, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		batch.Put(key, bs)
	}
	return s.ldb.Write(batch, nil)
}

// Agent returns the stored agent with the given ID.
func (s *Store) Agent(id string) (Agent, bool, error) {
	bs, err := s.ldb.Get(agentKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	a, err := decodeAgent(bs)
	return a, err == nil, err
}

// ActiveByNode counts the active agents reporting to each node.
func (s *Store) ActiveByNode() (map[string]int, error) {
	res := make(map[string]int)
	it := s.ldb.NewIterator(util.BytesPrefix([]byte(keyPrefixAgent)), nil)
	defer it.Release()
	for it.Next() {
		a, err := decodeAgent(it.Value())
		if err != nil {
			l.Debugf("skipping agent %s: %v", it.Key(), err)
			continue
		}
		status, _ := a["connection_status"].(string)
		node, _ := a["node_name"].(string)
		if status == "active" && node != "" {
			res[node]++
		}
	}
	return res, it.Error()
}

func (s *Store) get(key []byte) (Agent, error) {
	bs, err := s.ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return make(Agent), nil
	} else if err != nil {
		return nil, err
	}
	return decodeAgent(bs)
}

func decodeAgent(bs []byte) (Agent, error) {
	var a Agent
	dec := json.NewDecoder(bytes.NewReader(bs))
	dec.UseNumber()
	if err := dec.Decode(&a); err != nil {
		return nil, err
	}
	return a, nil
}

func agentID(a Agent) (string, bool) {
	switch id := a["id"].(type) {
	case json.Number:
		return id.String(), true
	case string:
		return id, id != ""
	default:
		return "", false
	}
}

func agentKey(id string) []byte {
	return []byte(keyPrefixAgent + id)
}

func leveldbIsCorrupted(err error) bool {
	switch {
	case err == nil:
		return false

	case lerrors.IsCorrupted(err):
		return true

	case strings.Contains(err.Error(), "corrupted"):
		return true
	}

	return false
}

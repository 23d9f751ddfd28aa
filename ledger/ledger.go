// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ledger keeps a persistent history of groupslice runs. Each
// run's report is stored in a bbolt database, keyed by run ID, along
// with an entry that records when and how the run was invoked. The
// ledger is a record only: runs are never resumed from it.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/groupslice"
	bolt "go.etcd.io/bbolt"
)

var (
	// runsBucket maps sequence numbers to entries.
	runsBucket = []byte("runs")
	// reportsBucket maps run IDs to JSON-encoded reports.
	reportsBucket = []byte("reports")
)

// An Entry summarizes a run recorded in the ledger.
type Entry struct {
	Seq        uint64    `json:"seq"`
	RunID      string    `json:"run"`
	Time       time.Time `json:"time"`
	Invocation string    `json:"invocation"`
	Groups     int       `json:"groups"`
	Failed     int       `json:"failed"`
	Bytes      int64     `json:"bytes"`
}

// A Ledger is a bbolt-backed history of run reports. Ledgers are
// safe for concurrent use.
type Ledger struct {
	db *bolt.DB
}

// Open opens the ledger at path, creating it if needed.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, errors.E(fmt.Sprintf("ledger: open %s", path), err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{runsBucket, reportsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.E(fmt.Sprintf("ledger: init %s", path), err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the ledger.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Put records the report of a run of the provided invocation. Put
// returns an error of kind errors.Exists if the run is already
// recorded.
func (l *Ledger) Put(report *groupslice.Report, inv groupslice.Invocation) (Entry, error) {
	p, err := json.Marshal(report)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		RunID:      report.RunID,
		Time:       time.Now(),
		Invocation: inv.String(),
		Groups:     report.Len(),
		Failed:     report.Failed(),
		Bytes:      report.Bytes(),
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		reports := tx.Bucket(reportsBucket)
		if reports.Get([]byte(report.RunID)) != nil {
			return errors.E(errors.Exists, fmt.Sprintf("ledger: run %s already recorded", report.RunID))
		}
		if err := reports.Put([]byte(report.RunID), p); err != nil {
			return err
		}
		runs := tx.Bucket(runsBucket)
		seq, err := runs.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		e, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return runs.Put(seqKey(seq), e)
	})
	return entry, err
}

// Get returns the report of the run with the provided ID. Get returns
// an error of kind errors.NotExist if no such run is recorded.
func (l *Ledger) Get(runID string) (*groupslice.Report, error) {
	var p []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(reportsBucket).Get([]byte(runID))
		if v == nil {
			return errors.E(errors.NotExist, fmt.Sprintf("ledger: run %s not found", runID))
		}
		// v is only valid for the life of the transaction.
		p = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	report := new(groupslice.Report)
	if err := json.Unmarshal(p, report); err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("ledger: run %s", runID), err)
	}
	return report, nil
}

// Runs returns the entries of all recorded runs, oldest first.
func (l *Ledger) Runs() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.E(errors.Integrity, fmt.Sprintf("ledger: entry %d", binary.BigEndian.Uint64(k)), err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// seqKey encodes sequence numbers so that bbolt's byte ordering is
// numeric ordering.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Package history archives terminal dial runs in a local bolt database so
// the API can answer "what happened while I was away".
package history

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stargate-prop/gatedrive/sequencer"
)

var runsBucket = []byte("runs")

type Archive struct {
	db *bolt.DB
}

func Open(filename string) (*Archive, error) {
	db, err := bolt.Open(filename, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Record stores a run keyed by its start time. Keys sort chronologically, so
// a reverse cursor walk yields most-recent-first.
func (a *Archive) Record(run sequencer.Run) error {
	val, err := json.Marshal(run)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%020d", run.Started.UnixNano()))
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put(key, val)
	})
}

// Recent returns up to n of the most recent runs, newest first.
func (a *Archive) Recent(n int) ([]sequencer.Run, error) {
	var runs []sequencer.Run
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(runs) < n; k, v = c.Prev() {
			var run sequencer.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

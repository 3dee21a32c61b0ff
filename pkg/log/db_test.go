// Copyright 2025-2026 The Sanchez Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *DB {
	dbPath := filepath.Join(t.TempDir(), "logs.db")

	logDB := NewDB(dbPath, &sync.WaitGroup{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, logDB.Init(ctx))
	return logDB
}

func TestQuery(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		msg1 := Entry{
			Level:   LevelError,
			Time:    4000,
			Src:     "s1",
			Session: "c1",
			Msg:     "msg1",
		}
		msg2 := Entry{
			Level: LevelWarning,
			Time:  3000,
			Src:   "s1",
			Msg:   "msg2",
		}
		msg3 := Entry{
			Level:   LevelInfo,
			Time:    2000,
			Src:     "s2",
			Session: "c2",
			Msg:     "msg3",
		}

		logDB := newTestDB(t)

		// Populate database.
		require.NoError(t, logDB.saveEntry(msg1))
		require.NoError(t, logDB.saveEntry(msg2))
		require.NoError(t, logDB.saveEntry(msg3))

		cases := []struct {
			name     string
			input    Query
			expected []Entry
		}{
			{
				name: "singleLevel",
				input: Query{
					Levels:  []Level{LevelWarning},
					Sources: []string{"s1"},
				},
				expected: []Entry{msg2},
			},
			{
				name: "multipleLevels",
				input: Query{
					Levels:  []Level{LevelError, LevelWarning},
					Sources: []string{"s1"},
				},
				expected: []Entry{msg1, msg2},
			},
			{
				name: "singleSource",
				input: Query{
					Levels:  []Level{LevelError, LevelInfo},
					Sources: []string{"s1"},
				},
				expected: []Entry{msg1},
			},
			{
				name: "multipleSources",
				input: Query{
					Levels:  []Level{LevelError, LevelInfo},
					Sources: []string{"s1", "s2"},
				},
				expected: []Entry{msg1, msg3},
			},
			{
				name: "singleSession",
				input: Query{
					Levels:   []Level{LevelError, LevelInfo},
					Sources:  []string{"s1", "s2"},
					Sessions: []string{"c1"},
				},
				expected: []Entry{msg1},
			},
			{
				name: "multipleSessions",
				input: Query{
					Levels:   []Level{LevelError, LevelInfo},
					Sources:  []string{"s1", "s2"},
					Sessions: []string{"c1", "c2"},
				},
				expected: []Entry{msg1, msg3},
			},
			{
				name: "all",
				input: Query{
					Levels:  []Level{LevelError, LevelWarning, LevelInfo, LevelDebug},
					Sources: []string{"s1", "s2"},
				},
				expected: []Entry{msg1, msg2, msg3},
			},
			{
				name: "limit",
				input: Query{
					Levels:  []Level{LevelError, LevelWarning, LevelInfo, LevelDebug},
					Sources: []string{"s1", "s2"},
					Limit:   2,
				},
				expected: []Entry{msg1, msg2},
			},
			{
				name: "limit2",
				input: Query{
					Levels: []Level{LevelInfo},
					Limit:  1,
				},
				expected: []Entry{msg3},
			},
			{
				name: "exactTime",
				input: Query{
					Levels:  []Level{LevelError, LevelWarning, LevelInfo, LevelDebug},
					Sources: []string{"s1", "s2"},
					Time:    4000,
				},
				expected: []Entry{msg2, msg3},
			},
			{
				name: "time",
				input: Query{
					Levels:  []Level{LevelError, LevelWarning, LevelInfo, LevelDebug},
					Sources: []string{"s1", "s2"},
					Time:    3500,
				},
				expected: []Entry{msg2, msg3},
			},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				entries, err := logDB.Query(tc.input)
				require.NoError(t, err)
				require.Equal(t, tc.expected, *entries)
			})
		}
	})
	t.Run("unmarshalErr", func(t *testing.T) {
		logDB := newTestDB(t)

		err := logDB.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(dbAPIversion))
			return b.Put([]byte("invalid"), []byte("nil"))
		})
		require.NoError(t, err)

		_, err = logDB.Query(Query{})
		require.Error(t, err)
	})
}

func TestDB(t *testing.T) {
	t.Run("maxKeys", func(t *testing.T) {
		logDB := newTestDB(t)

		logDB.maxKeys = 3

		logDB.db.View(func(tx *bolt.Tx) error {
			require.Zero(t, tx.Bucket([]byte(dbAPIversion)).Stats().KeyN)
			return nil
		})

		logDB.saveEntry(Entry{Time: 1})
		logDB.saveEntry(Entry{Time: 2})
		logDB.saveEntry(Entry{Time: 3})
		logDB.saveEntry(Entry{Time: 4})
		logDB.saveEntry(Entry{Time: 5})

		logDB.db.View(func(tx *bolt.Tx) error {
			keyN := tx.Bucket([]byte(dbAPIversion)).Stats().KeyN
			require.Equal(t, logDB.maxKeys, keyN)
			return nil
		})
	})
	t.Run("openDBerr", func(t *testing.T) {
		logDB := &DB{
			dbPath: "/dev/null",
		}
		err := logDB.Init(context.Background())
		require.Error(t, err)
	})
}

// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package devdb holds types to resolve RTIO channel numbers against the
// device database of the experiment.
package devdb // import "github.com/QuantumQuadrate/madmax-artiq-zynq/devdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DB exposes convenience methods to retrieve the RTIO channel map of the
// experiment from the device database.
type DB struct {
	db   *sql.DB
	name string // name of the device database
}

// Open opens a connection to the device database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("devdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("devdb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("devdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Channel maps one RTIO channel number to the name of the device wired
// to it.
type Channel struct {
	Channel     uint32
	Destination uint8
	Name        string
}

// Channels retrieves the full RTIO channel map.
func (db *DB) Channels(ctx context.Context) ([]Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var chans []Channel
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT channel, destination, name FROM channels",
	)
	if err != nil {
		return chans, fmt.Errorf("devdb: could not query channel map: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ch Channel
		err = rows.Scan(&ch.Channel, &ch.Destination, &ch.Name)
		if err != nil {
			return chans, fmt.Errorf("devdb: could not scan channel map: %w", err)
		}
		chans = append(chans, ch)
	}

	if err := rows.Err(); err != nil {
		return chans, fmt.Errorf("devdb: could not scan db for channel map: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return chans, fmt.Errorf("devdb: context error while retrieving channel map: %w", err)
	}

	return chans, nil
}

// ChannelName retrieves the device name wired to one RTIO channel. The
// empty string is returned for unmapped channels.
func (db *DB) ChannelName(ctx context.Context, channel uint32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	name := ""
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT name FROM channels WHERE channel=? LIMIT 1",
		channel,
	)
	if err != nil {
		return name, fmt.Errorf("devdb: could not query channel name: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&name)
		if err != nil {
			return name, fmt.Errorf("devdb: could not get channel name: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return name, fmt.Errorf("devdb: could not scan db for channel name: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return name, fmt.Errorf("devdb: context error while retrieving channel name: %w", err)
	}

	return name, nil
}

// Resolver snapshots the channel map into a lookup function suitable for
// exception reports and survey logging. Unmapped channels resolve to the
// empty string.
func (db *DB) Resolver(ctx context.Context) (func(uint32) string, error) {
	chans, err := db.Channels(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[uint32]string, len(chans))
	for _, ch := range chans {
		names[ch.Channel] = ch.Name
	}
	return func(channel uint32) string { return names[channel] }, nil
}

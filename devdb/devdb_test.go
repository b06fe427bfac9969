// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devdb

import (
	"context"
	"database/sql/driver"
	"reflect"
	"testing"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open devdb: %+v", err)
	}
	defer db.Close()
}

func TestChannels(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open devdb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"channel", "destination", "name"},
		Values: [][]driver.Value{
			{int64(7), int64(0), "ttl7"},
			{int64(42), int64(1), "urukul0_ch0"},
		},
	}, func(ctx context.Context) error {
		chans, err := db.Channels(ctx)
		if err != nil {
			t.Fatalf("could not retrieve channel map: %+v", err)
		}

		want := []Channel{
			{Channel: 7, Destination: 0, Name: "ttl7"},
			{Channel: 42, Destination: 1, Name: "urukul0_ch0"},
		}
		if !reflect.DeepEqual(chans, want) {
			t.Fatalf("invalid channel map:\ngot= %+v\nwant=%+v", chans, want)
		}
		return nil
	})
}

func TestChannelName(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open devdb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"name"},
		Values: [][]driver.Value{
			{"ttl7"},
		},
	}, func(ctx context.Context) error {
		name, err := db.ChannelName(ctx, 7)
		if err != nil {
			t.Fatalf("could not retrieve channel name: %+v", err)
		}

		if got, want := name, "ttl7"; got != want {
			t.Fatalf("invalid channel name: got=%q, want=%q", got, want)
		}
		return nil
	})
}

func TestResolver(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open devdb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"channel", "destination", "name"},
		Values: [][]driver.Value{
			{int64(7), int64(0), "ttl7"},
		},
	}, func(ctx context.Context) error {
		names, err := db.Resolver(ctx)
		if err != nil {
			t.Fatalf("could not build resolver: %+v", err)
		}

		if got, want := names(7), "ttl7"; got != want {
			t.Fatalf("invalid resolved name: got=%q, want=%q", got, want)
		}
		if got := names(8); got != "" {
			t.Fatalf("unmapped channel resolved: got=%q", got)
		}
		return nil
	})
}

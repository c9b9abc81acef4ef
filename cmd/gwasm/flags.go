// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"

	"github.com/grailbio/base/must"
	"github.com/grailbio/gwasm"
	"github.com/grailbio/gwasm/exec"
)

// connFlags registers the flags that override the profile's
// connection on flags.
type connFlags struct {
	host, net, datadir *string
	port               *int
}

func registerConnFlags(flags *flag.FlagSet, config *exec.Config) connFlags {
	return connFlags{
		host:    flags.String("host", config.Host, "the host of the broker node"),
		port:    flags.Int("port", config.Port, "the RPC port of the broker node"),
		net:     flags.String("net", config.Net.String(), "the compute network: testnet or mainnet"),
		datadir: flags.String("datadir", config.Datadir, "the local (or s3://) staging directory"),
	}
}

// connection returns the connection described by the parsed flags.
func (f connFlags) connection() exec.Connection {
	network, err := gwasm.ParseNet(*f.net)
	must.Nil(err)
	return exec.Connection{
		Datadir: *f.datadir,
		Host:    *f.host,
		Port:    *f.port,
		Net:     network,
	}
}

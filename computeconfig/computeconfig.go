// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package computeconfig provides a mechanism to configure compute
// sessions from a shared profile. Computeconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.gwasm/config. For example, the profile
//
//	param gwasm (
//		host = "10.0.0.4"
//		port = 61000
//		net = "mainnet"
//		datadir = "s3://bucket/gwasm"
//	)
//
// directs sessions to a mainnet node and stages blobs in S3.
package computeconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/gwasm/exec"
)

// Path determines the location of the gwasm profile read by Parse.
var Path = os.ExpandEnv("$HOME/.gwasm/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the gwasm configuration from Path and returns it, as modified by
// any flags provided. Parse exits the program if the configuration
// is invalid.
func Parse() *exec.Config {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	return Must()
}

// Must returns the configuration of the current profile. It exits
// the program if the configuration is invalid. Configuration flags
// must have been processed.
func Must() *exec.Config {
	var c *exec.Config
	config.Must("gwasm", &c)
	return c
}

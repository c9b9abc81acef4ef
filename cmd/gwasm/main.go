// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command gwasm computes tasks described by HCL manifests on a
// gWasm broker node.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/gwasm/computeconfig"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Gwasm is a tool for computing tasks on a gWasm broker node.

Usage:

	gwasm [-profile path] [-set param=value] <command> [arguments]

The commands are:

	run      compute the task described by a manifest and write its outputs
	cancel   abort a task on the node

Defaults are read from the profile at %s.
`, computeconfig.Path)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("gwasm: ")
	must.Func = log.Fatal
	flag.Usage = usage
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	config := computeconfig.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "run":
		runCmd(config, args)
	case "cancel":
		cancelCmd(config, args)
	}
}

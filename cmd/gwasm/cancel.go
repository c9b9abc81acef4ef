// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/must"
	"github.com/grailbio/gwasm/exec"
)

func cancelCmd(config *exec.Config, args []string) {
	var (
		flags  = flag.NewFlagSet("gwasm cancel", flag.ExitOnError)
		conn   = registerConnFlags(flags, config)
		taskID = flags.String("task", "", "the identifier of the task to cancel")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: gwasm cancel [flags] -task id\n\nFlags:\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if *taskID == "" || flags.NArg() != 0 {
		flags.Usage()
	}
	must.Nil(exec.Cancel(context.Background(), conn.connection(), *taskID))
}

// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/gwasm"
	"github.com/grailbio/gwasm/exec"
	"github.com/grailbio/gwasm/taskfile"
)

func runUsage(flags *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `usage: gwasm run [flags] manifest.hcl

Command run computes the task described by the manifest and writes
each subtask output to {out}/subtask_{index}/{name}. On success, the
task's identifier is printed.

Flags:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func runCmd(config *exec.Config, args []string) {
	var (
		flags    = flag.NewFlagSet("gwasm run", flag.ExitOnError)
		conn     = registerConnFlags(flags, config)
		poll     = flags.Duration("poll", config.PollInterval, "the interval between status polls")
		deadline = flags.Duration("deadline", config.Deadline, "if nonzero, the maximum time to wait for the task to compute")
		keep     = flags.Bool("keep", config.KeepStaging, "keep staged blobs after the run")
		out      = flags.String("out", ".", "the directory (or s3:// prefix) to which outputs are written")
		console  = flags.Bool("status", true, "print session status to the console")
		addr     = flags.String("http", "", "if set, serve session status at /debug/status on this address")
	)
	flags.Usage = func() { runUsage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 1 {
		flags.Usage()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	task, err := taskfile.Load(ctx, flags.Arg(0))
	must.Nil(err)

	var sessionStatus status.Status
	opts := []exec.Option{exec.Status(&sessionStatus)}
	if *poll > 0 {
		opts = append(opts, exec.PollInterval(*poll))
	}
	if *deadline > 0 {
		opts = append(opts, exec.Deadline(*deadline))
	}
	if *keep {
		opts = append(opts, exec.KeepStaging)
	}
	if *console {
		var reporter status.Reporter
		go reporter.Go(os.Stderr, &sessionStatus)
	}
	if *addr != "" {
		http.Handle("/debug/status", status.Handler(&sessionStatus))
		go func() {
			log.Printf("HTTP status at: %s", *addr)
			if err := http.ListenAndServe(*addr, nil); err != nil {
				log.Error.Printf("failed to serve HTTP at %s: %v", *addr, err)
			}
		}()
	}

	sess := exec.New(conn.connection(), task, nil, opts...)
	computed, err := sess.Run(ctx)
	if err != nil {
		if id := sess.TaskID(); id != "" {
			log.Fatalf("task %s: %v", id, err)
		}
		log.Fatal(err)
	}
	log.Debug.Printf("session stats: %s", sess.Stats())
	must.Nil(writeOutputs(ctx, *out, computed))
	fmt.Println(computed.TaskID)
}

// writeOutputs writes every output of computed below dir.
func writeOutputs(ctx context.Context, dir string, computed *gwasm.ComputedTask) error {
	for _, sub := range computed.Subtasks {
		for _, name := range sub.OutputNames() {
			path := file.Join(dir, gwasm.SubtaskName(sub.Index), name)
			if err := writeFile(ctx, path, sub.Outputs[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeFile(ctx context.Context, path string, r io.Reader) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f.Writer(ctx), r); err != nil {
		_ = f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}

// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/gwasm"
)

// DefaultPort is the port on which broker nodes serve RPC requests by
// default.
const DefaultPort = 61000

// Config is the configured connection and session parameters, as
// produced by the "gwasm" config instance.
type Config struct {
	Connection
	// PollInterval is the interval between status polls.
	PollInterval time.Duration
	// Deadline, if nonzero, bounds the time spent computing.
	Deadline time.Duration
	// KeepStaging retains staged blobs after a run.
	KeepStaging bool
}

// Options returns the session options corresponding to the
// configuration.
func (c *Config) Options() []Option {
	var opts []Option
	if c.PollInterval > 0 {
		opts = append(opts, PollInterval(c.PollInterval))
	}
	if c.Deadline > 0 {
		opts = append(opts, Deadline(c.Deadline))
	}
	if c.KeepStaging {
		opts = append(opts, KeepStaging)
	}
	return opts
}

// defaultDatadir is the staging directory used when none is
// configured.
func defaultDatadir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "gwasm")
	}
	return filepath.Join(os.TempDir(), "gwasm")
}

func init() {
	config.Register("gwasm", func(inst *config.Constructor) {
		var (
			c                    Config
			network, poll, limit string
		)
		inst.StringVar(&c.Host, "host", "127.0.0.1", "the host of the broker node")
		inst.IntVar(&c.Port, "port", DefaultPort, "the RPC port of the broker node")
		inst.StringVar(&network, "net", gwasm.TestNet.String(), "the compute network: testnet or mainnet")
		inst.StringVar(&c.Datadir, "datadir", defaultDatadir(), "the local (or s3://) staging directory")
		inst.StringVar(&poll, "poll-interval", DefaultPollInterval.String(), "the interval between status polls")
		inst.StringVar(&limit, "deadline", "", "if set, the maximum time to wait for a task to compute")
		inst.BoolVar(&c.KeepStaging, "keep-staging", false, "keep staged blobs after a run")
		inst.Doc = "gwasm configures the connection to the broker node and compute sessions"
		inst.New = func() (interface{}, error) {
			var err error
			if c.Net, err = gwasm.ParseNet(network); err != nil {
				return nil, err
			}
			if c.PollInterval, err = time.ParseDuration(poll); err != nil {
				return nil, fmt.Errorf("gwasm: poll-interval: %v", err)
			}
			if limit != "" {
				if c.Deadline, err = time.ParseDuration(limit); err != nil {
					return nil, fmt.Errorf("gwasm: deadline: %v", err)
				}
			}
			if err := c.Connection.validate(); err != nil {
				return nil, err
			}
			return &c, nil
		}
	})
}

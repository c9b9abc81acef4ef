// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Values is a snapshot of a session's counters, keyed by name.
type Values map[string]int64

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// Counter names reported by Session.Stats.
const (
	statUploads     = "uploads"
	statUploadBytes = "upload-bytes"
	statPolls       = "polls"
	statFetches     = "fetches"
	statFetchBytes  = "fetch-bytes"
)

// sessionStats holds the counters of one session. Counters are
// updated atomically so that Stats may be called while the session
// runs.
type sessionStats struct {
	uploads, uploadBytes int64
	polls                int64
	fetches, fetchBytes  int64
}

func (s *sessionStats) upload(n int) {
	atomic.AddInt64(&s.uploads, 1)
	atomic.AddInt64(&s.uploadBytes, int64(n))
}

func (s *sessionStats) poll() {
	atomic.AddInt64(&s.polls, 1)
}

func (s *sessionStats) fetch(n int) {
	atomic.AddInt64(&s.fetches, 1)
	atomic.AddInt64(&s.fetchBytes, int64(n))
}

func (s *sessionStats) values() Values {
	return Values{
		statUploads:     atomic.LoadInt64(&s.uploads),
		statUploadBytes: atomic.LoadInt64(&s.uploadBytes),
		statPolls:       atomic.LoadInt64(&s.polls),
		statFetches:     atomic.LoadInt64(&s.fetches),
		statFetchBytes:  atomic.LoadInt64(&s.fetchBytes),
	}
}

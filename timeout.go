// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gwasm

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout is the task and subtask timeout used when none is
// set on the builder.
const DefaultTimeout = Timeout(10 * time.Minute)

// ErrZeroTimeout is returned by ParseTimeout for "00:00:00".
var ErrZeroTimeout = errors.New("zero timeout")

// Timeout is a time limit enforced by the node, expressed to the node
// in HH:MM:SS form. Valid timeouts are positive and less than 24
// hours.
type Timeout time.Duration

// ParseTimeout parses a timeout in HH:MM:SS form. Each field must
// have exactly two digits.
func ParseTimeout(s string) (Timeout, error) {
	var h, m, sec int
	if len(s) != len("00:00:00") || s[2] != ':' || s[5] != ':' {
		return 0, fmt.Errorf("timeout %q: expected HH:MM:SS", s)
	}
	for i, field := range []*int{&h, &m, &sec} {
		hi, lo := s[3*i], s[3*i+1]
		if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
			return 0, fmt.Errorf("timeout %q: expected HH:MM:SS", s)
		}
		*field = int(hi-'0')*10 + int(lo-'0')
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, fmt.Errorf("timeout %q: out of range", s)
	}
	t := Timeout(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second)
	if t == 0 {
		return 0, ErrZeroTimeout
	}
	return t, nil
}

// MustParseTimeout is like ParseTimeout but panics on error.
func MustParseTimeout(s string) Timeout {
	t, err := ParseTimeout(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Duration returns the timeout as a time.Duration.
func (t Timeout) Duration() time.Duration {
	return time.Duration(t)
}

// Valid tells whether t can be expressed to the node.
func (t Timeout) Valid() bool {
	return t >= Timeout(time.Second) && t < Timeout(24*time.Hour)
}

// String formats the timeout as HH:MM:SS. Sub-second precision is
// truncated.
func (t Timeout) String() string {
	d := time.Duration(t)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

// MarshalText implements encoding.TextMarshaler.
func (t Timeout) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timeout) UnmarshalText(text []byte) error {
	v, err := ParseTimeout(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gwasm

import (
	"fmt"
	"strings"
)

// Net selects the compute network that the broker node is attached
// to. The selector does not change the shape of the node protocol;
// a node refuses sessions for a network it is not connected to.
type Net int

const (
	// TestNet is the test network.
	TestNet Net = iota
	// MainNet is the production network.
	MainNet

	maxNet
)

var nets = [...]string{
	TestNet: "testnet",
	MainNet: "mainnet",
}

// String returns the canonical name of the network.
func (n Net) String() string {
	if n < 0 || n >= maxNet {
		return fmt.Sprintf("Net(%d)", int(n))
	}
	return nets[n]
}

// Valid tells whether n names a known network.
func (n Net) Valid() bool {
	return n >= 0 && n < maxNet
}

// ParseNet parses a network name. Both the canonical names and the
// short forms "test" and "main" are accepted, case-insensitively.
func ParseNet(s string) (Net, error) {
	switch strings.ToLower(s) {
	case "testnet", "test":
		return TestNet, nil
	case "mainnet", "main":
		return MainNet, nil
	}
	return 0, fmt.Errorf("unknown network %q", s)
}

// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"strings"
	"sync"
)

type workspaceKey struct {
	datadir, workspace string
}

// busy holds the workspaces in use by running sessions in this
// process.
var busy = struct {
	sync.Mutex
	workspaces map[workspaceKey]bool
}{workspaces: make(map[workspaceKey]bool)}

// acquireWorkspace reserves the workspace in datadir for the calling
// session. The returned function releases it.
func acquireWorkspace(datadir, workspace string) (release func(), err error) {
	key := workspaceKey{strings.TrimRight(datadir, "/"), workspace}
	busy.Lock()
	defer busy.Unlock()
	if busy.workspaces[key] {
		return nil, fmt.Errorf("%w: %s in %s", ErrWorkspaceBusy, workspace, datadir)
	}
	busy.workspaces[key] = true
	return func() {
		busy.Lock()
		delete(busy.workspaces, key)
		busy.Unlock()
	}, nil
}

// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gwasm

import (
	"encoding/json"
	"path"
)

// Manifest is the JSON task descriptor understood by the node. Input
// and output directories are relative to the node's storage root;
// they are scoped by the task's workspace.
type Manifest struct {
	Type           string          `json:"type"`
	Name           string          `json:"name"`
	Bid            float64         `json:"bid"`
	Timeout        Timeout         `json:"timeout"`
	SubtaskTimeout Timeout         `json:"subtask_timeout"`
	Options        ManifestOptions `json:"options"`
}

// ManifestOptions holds the binary names, directories, and subtasks
// of a Manifest.
type ManifestOptions struct {
	JSName    string                     `json:"js_name"`
	WasmName  string                     `json:"wasm_name"`
	InputDir  string                     `json:"input_dir"`
	OutputDir string                     `json:"output_dir"`
	Subtasks  map[string]ManifestSubtask `json:"subtasks"`
}

// ManifestSubtask describes how a single subtask is invoked and
// which files it produces.
type ManifestSubtask struct {
	ExecArgs        []string `json:"exec_args"`
	OutputFilePaths []string `json:"output_file_paths"`
}

// Manifest returns the task's node descriptor.
func (t *Task) Manifest() Manifest {
	m := Manifest{
		Type:           "wasm",
		Name:           t.name,
		Bid:            t.bid,
		Timeout:        t.timeout,
		SubtaskTimeout: t.subtaskTimeout,
		Options: ManifestOptions{
			JSName:    t.LoaderName(),
			WasmName:  t.PayloadName(),
			InputDir:  path.Join(t.workspace, "in"),
			OutputDir: path.Join(t.workspace, "out"),
			Subtasks:  make(map[string]ManifestSubtask, len(t.subtasks)),
		},
	}
	for _, st := range t.subtasks {
		m.Options.Subtasks[st.Name()] = ManifestSubtask{
			ExecArgs:        append([]string(nil), st.ExecArgs...),
			OutputFilePaths: append([]string(nil), st.Outputs...),
		}
	}
	return m
}

// MarshalManifest returns the JSON encoding of the task's manifest.
func (t *Task) MarshalManifest() ([]byte, error) {
	return json.Marshal(t.Manifest())
}

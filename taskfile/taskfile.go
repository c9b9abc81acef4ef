// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package taskfile loads task descriptions from HCL manifests. A
// manifest names the task's workspace and binary and lists its
// subtasks:
//
//	workspace       = "demo"
//	name            = "tts"
//	bid             = 1.0
//	timeout         = "00:10:00"
//	subtask_timeout = "00:05:00"
//	outputs         = ["out.wav"]
//
//	binary {
//		loader  = "tts.js"
//		payload = "tts.wasm"
//	}
//
//	subtask { input = "chunk0.txt" }
//	subtask { data = "inline text" }
//	subtask { inputs = { "a.txt" = "a.txt", "b.txt" = "${env.HOME}/b.txt" } }
//
// Paths are relative to the manifest's directory, and may be any path
// supported by github.com/grailbio/base/file. Expressions may refer to
// the process environment through the env object.
package taskfile

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/gwasm"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// manifest is the decoded form of a task manifest.
type manifest struct {
	Workspace      string     `hcl:"workspace"`
	Name           *string    `hcl:"name,optional"`
	Bid            *float64   `hcl:"bid,optional"`
	Timeout        *string    `hcl:"timeout,optional"`
	SubtaskTimeout *string    `hcl:"subtask_timeout,optional"`
	InputName      *string    `hcl:"input_name,optional"`
	Outputs        []string   `hcl:"outputs,optional"`
	Binary         binary     `hcl:"binary,block"`
	Subtasks       []*subtask `hcl:"subtask,block"`
}

type binary struct {
	Loader  string `hcl:"loader"`
	Payload string `hcl:"payload"`
}

// subtask is a subtask block. Exactly one of its attributes must be
// set: input names a file holding the subtask's single input, data
// holds it inline, and inputs maps input names to files.
type subtask struct {
	Input  *string           `hcl:"input,optional"`
	Data   *string           `hcl:"data,optional"`
	Inputs map[string]string `hcl:"inputs,optional"`
}

// Load reads the manifest at path and builds the task it describes.
func Load(ctx context.Context, path string) (*gwasm.Task, error) {
	src, err := readFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return Parse(ctx, path, src, dir(path))
}

// Parse builds the task described by the manifest src. Filename is
// used in diagnostics; relative paths are resolved against dir.
// Errors returned by gwasm.TaskBuilder.Build are passed through.
func Parse(ctx context.Context, filename string, src []byte, dir string) (*gwasm.Task, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("taskfile: failed to parse %s: %w", filename, diags)
	}
	var m manifest
	if diags := gohcl.DecodeBody(f.Body, evalContext(), &m); diags.HasErrors() {
		return nil, fmt.Errorf("taskfile: failed to decode %s: %w", filename, diags)
	}

	var (
		bin gwasm.Binary
		err error
	)
	if bin.Loader, err = readFile(ctx, resolve(dir, m.Binary.Loader)); err != nil {
		return nil, err
	}
	if bin.Payload, err = readFile(ctx, resolve(dir, m.Binary.Payload)); err != nil {
		return nil, err
	}
	b := gwasm.NewTaskBuilder(m.Workspace, bin)
	if m.Name != nil {
		b.Name(*m.Name)
	}
	if m.Bid != nil {
		b.Bid(*m.Bid)
	}
	for _, t := range []struct {
		attr  string
		value *string
		set   func(gwasm.Timeout) *gwasm.TaskBuilder
	}{
		{"timeout", m.Timeout, b.Timeout},
		{"subtask_timeout", m.SubtaskTimeout, b.SubtaskTimeout},
	} {
		if t.value == nil {
			continue
		}
		timeout, err := gwasm.ParseTimeout(*t.value)
		if err != nil {
			return nil, fmt.Errorf("taskfile: %s: %s: %w", filename, t.attr, err)
		}
		t.set(timeout)
	}
	if m.InputName != nil {
		b.InputName(*m.InputName)
	}
	if m.Outputs != nil {
		b.Outputs(m.Outputs...)
	}
	for i, sub := range m.Subtasks {
		if err := push(ctx, b, dir, sub); err != nil {
			return nil, fmt.Errorf("taskfile: %s: subtask %d: %w", filename, i, err)
		}
	}
	return b.Build()
}

func push(ctx context.Context, b *gwasm.TaskBuilder, dir string, sub *subtask) error {
	var n int
	for _, set := range []bool{sub.Input != nil, sub.Data != nil, sub.Inputs != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of input, data or inputs must be set")
	}
	switch {
	case sub.Input != nil:
		p, err := readFile(ctx, resolve(dir, *sub.Input))
		if err != nil {
			return err
		}
		b.PushSubtaskData(p)
	case sub.Data != nil:
		b.PushSubtaskData([]byte(*sub.Data))
	default:
		inputs := make(map[string][]byte, len(sub.Inputs))
		for name, path := range sub.Inputs {
			p, err := readFile(ctx, resolve(dir, path))
			if err != nil {
				return err
			}
			inputs[name] = p
		}
		b.PushSubtaskInputs(inputs)
	}
	return nil
}

// evalContext exposes the process environment to manifest
// expressions as the object env.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = cty.StringVal(kv[i+1:])
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	return ioutil.ReadAll(f.Reader(ctx))
}

// dir returns the directory portion of path, which may be a URL.
func dir(path string) string {
	switch i := strings.LastIndex(path, "/"); {
	case i == 0:
		return "/"
	case i > 0:
		return path[:i]
	}
	return "."
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path
	}
	return file.Join(dir, path)
}

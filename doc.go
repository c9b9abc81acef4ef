// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package gwasm describes batches of independent computations
	("subtasks") that are distributed over a compute network by a
	locally reachable broker node.

	A computation is described by a Binary (a loader and a payload blob
	that together form the program shipped to the network) and a list
	of subtask inputs. Tasks are assembled with a TaskBuilder:

		binary := gwasm.Binary{Loader: js, Payload: wasm}
		task, err := gwasm.NewTaskBuilder("demo", binary).
			Name("tts").
			PushSubtaskData([]byte("hello")).
			PushSubtaskData([]byte("world")).
			Build()
		if err != nil {
			log.Fatal(err)
		}

	Building a task performs no I/O; the resulting Task is immutable and
	may be submitted any number of times. Tasks are run by a session in
	package github.com/grailbio/gwasm/exec, which stages and uploads the
	task's blobs to the node, submits it, reports progress, and finally
	assembles a ComputedTask:

		conn := exec.Connection{Datadir: dir, Host: "127.0.0.1", Port: 61000, Net: gwasm.TestNet}
		computed, err := exec.Compute(ctx, conn, task, gwasm.ProgressFunc(func(p float64) {
			fmt.Printf("%.0f%%\n", 100*p)
		}))

	The subtasks of a ComputedTask are always ordered as they were pushed
	to the builder, and each named output is exposed as a BlobReader which
	holds the fetched bytes and never goes back to the network.
*/
package gwasm

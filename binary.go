// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gwasm

// Binary is the program distributed to the compute network. It
// comprises two opaque blobs: a loader (for example the JavaScript
// glue generated by Emscripten) and the payload it loads (the Wasm
// module). Their contents are not inspected beyond non-emptiness.
type Binary struct {
	Loader  []byte
	Payload []byte
}

func (b Binary) copy() Binary {
	return Binary{
		Loader:  append([]byte(nil), b.Loader...),
		Payload: append([]byte(nil), b.Payload...),
	}
}

// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gwasm

// Progress receives the completion fraction of a running task.
//
// Update is called synchronously by the session right after each
// status poll, with values in [0, 1] that never decrease; a
// successful run ends with Update(1). The session does not proceed
// until Update returns, so implementations should return promptly
// and hand off any slow work.
//
// If a Progress also implements Start() or Stop(), those are called
// when polling begins and when the session ends (in success or
// failure), respectively.
type Progress interface {
	Update(fraction float64)
}

// ProgressFunc adapts a function to the Progress interface.
type ProgressFunc func(fraction float64)

// Update implements Progress.
func (f ProgressFunc) Update(fraction float64) { f(fraction) }

// NopProgress is a Progress that ignores updates.
var NopProgress Progress = ProgressFunc(func(float64) {})

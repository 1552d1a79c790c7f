// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pridec runs the primal decomposition solver on reference problems,
// either with in-process ranks or as coordinator and worker processes linked
// over gRPC.
package main

func main() {
	Execute()
}

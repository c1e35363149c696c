// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logger

import "os"

// ExitWithError terminates the current process with the given exit code.
// Intended to be deferred in main with a pointer to a local exitCode
// variable, the same way the teacher services do it.
func ExitWithError(code *int) {
	os.Exit(*code)
}

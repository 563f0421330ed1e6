//go:build tools

// Pins the code generators run by go generate.
package main

import (
	_ "go.uber.org/mock/mockgen"
)

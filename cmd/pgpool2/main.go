// Copyright (c) 2026

package main

import "github.com/gpaulavicius/pgpool2/cmd/pgpool2/cmd"

func main() {
	cmd.Execute()
}

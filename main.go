package main

import (
	"fmt"
	"os"

	"runlog/internal/cmd"
)

func main() {
	if err := cmd.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "runlog:", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/authcore-io/authcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

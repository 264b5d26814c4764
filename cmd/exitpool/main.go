package main

import (
	"os"

	"github.com/chiquitav2/exitpool/cmd/exitpool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

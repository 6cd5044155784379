package main

import (
	"os"

	"github.com/elkinlatorre/FINA/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

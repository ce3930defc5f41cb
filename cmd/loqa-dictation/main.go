package main

import (
	"os"

	"github.com/loqalabs/loqa-dictation/cmd/loqa-dictation/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

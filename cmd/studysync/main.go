package main

import (
	"os"

	"studysync/cmd/studysync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main implements the contextflow command: the API server with its
// worker pools, batch processor and scheduler, plus operational subcommands
// for migrations, manual job runs and purging.
package main

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

func main() {
	loadDotEnv()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv loads the nearest .env file from the working directory or one
// of its parents. Variables already set in the environment win.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"

	"gigvault/services/marketd"
)

func main() {
	envFile := os.Getenv("MARKETD_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("marketd: load %s: %v", envFile, err)
	}
	if err := marketd.Main(); err != nil {
		log.Fatalf("marketd: %v", err)
	}
}

package main

import (
	"github.com/joho/godotenv"

	"chatsync/internal/cli"
)

func main() {
	// a local .env is optional; real environment values win
	_ = godotenv.Load(".env")
	cli.Execute()
}

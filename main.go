package main

import (
	"os"

	"hayate/internal/hayate"
)

func main() {
	os.Exit(hayate.Main())
}

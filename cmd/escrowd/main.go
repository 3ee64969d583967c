package main

import (
	"log"

	"opticgov/services/escrowd"
)

func main() {
	if err := escrowd.Main(); err != nil {
		log.Fatalf("escrowd: %v", err)
	}
}

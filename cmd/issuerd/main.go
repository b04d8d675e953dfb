package main

import (
	"log"

	"loyaltymint/services/issuerd"
)

func main() {
	if err := issuerd.Main(); err != nil {
		log.Fatalf("issuerd: %v", err)
	}
}

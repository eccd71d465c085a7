package main

import (
	"log"
	"os"

	"github.com/husam-hammami/hercules-sfms-sub001/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

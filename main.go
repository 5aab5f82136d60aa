package main

import (
	"log"

	"github.com/minegrid/curtaild/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"log"
	"os"
	"sanchez"
)

func main() {
	if err := sanchez.Run(); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

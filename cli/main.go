//go:build linux || darwin || freebsd

package main

import (
	"log"
	"os"

	"github.com/Trinoooo/eggie_poll/server/cli"
)

func main() {
	wrapper := cli.NewWrapper()
	if err := wrapper.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

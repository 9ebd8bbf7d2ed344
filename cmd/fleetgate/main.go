package main

import "github.com/ppiankov/fleetgate/internal/cli"

func main() {
	cli.Execute()
}

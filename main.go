package main

import "portal-bridge/internal/cli"

func main() {
	cli.Execute()
}

package main

import "whale-flow-alerts/internal/cli"

func main() {
	cli.Execute()
}

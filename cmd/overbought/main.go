package main

import "overbought-alerts/internal/cli"

func main() {
	cli.Execute()
}

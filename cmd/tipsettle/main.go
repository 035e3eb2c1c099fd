package main

import "tip-settlement/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/mcoot/masquerade-go/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/rpattn/dashdag/internal/cli"

func main() {
	cli.Execute()
}

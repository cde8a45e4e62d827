package main

import "github.com/nutcas3/chronos-monorepo/services/engine/cli"

func main() {
	cli.Execute()
}

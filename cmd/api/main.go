package main

import "github.com/nutcas3/chronos-monorepo/services/api/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/nutcas3/chronos-monorepo/services/scheduler/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/taskgrid/taskgrid/services/controller/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/example/appointment-scheduler/cmd"

func main() {
	cmd.Execute()
}

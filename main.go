package main

import "github.com/fakeyudi/pulse/cmd"

func main() {
	cmd.Execute()
}

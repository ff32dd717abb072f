package main

import "github.com/visionlabs/vedcap/cmd"

func main() {
	cmd.Execute()
}

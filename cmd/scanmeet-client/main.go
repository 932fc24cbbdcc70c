package main

import "github.com/veridium/scanmeet/cmd/scanmeet-client/cmd"

func main() {
	cmd.Execute()
}

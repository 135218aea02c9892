package main

import "github.com/alimasry/go-whiteboard/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/audiolibrelab/cyclerec/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/fitsync/fitsync/cmd"

func main() {
	cmd.Execute()
}

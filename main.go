package main

import "roomrelay/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/killallgit/promptcanvas/cmd"

func main() {
	cmd.Execute()
}

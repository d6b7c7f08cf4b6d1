package main

import "github.com/nextlevelbuilder/qbot/cmd"

func main() {
	cmd.Execute()
}

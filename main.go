package main

import "github.com/nextlevelbuilder/modsentry/cmd"

func main() {
	cmd.Execute()
}

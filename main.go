package main

import "infermeter/cmd"

func main() {
	cmd.Execute()
}

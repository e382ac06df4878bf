package main

import "github.com/ValentinKolb/pathkvs/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/andresmejia3/camwatch/cmd"

func main() {
	cmd.Execute()
}

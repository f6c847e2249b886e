package main

import "github.com/soilwatch/erosionflow/services/api/cli"

func main() {
	cli.Execute()
}

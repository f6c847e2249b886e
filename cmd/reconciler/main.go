package main

import "github.com/soilwatch/erosionflow/services/reconciler/cli"

func main() {
	cli.Execute()
}

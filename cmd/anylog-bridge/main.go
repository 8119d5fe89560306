package main

import (
	"github.com/proveit-io/anylog-bridge/internal/cli"
	"github.com/proveit-io/anylog-bridge/pkg/version"
)

func main() {
	cli.Execute(version.GetVersion())
}

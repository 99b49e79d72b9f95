// Package main provides a one-shot utility for minting development access tokens.
package main

import (
	"flag"
	"os"

	"github.com/gradhall/gradhall/internal/platform/config"
	"github.com/gradhall/gradhall/internal/tools/accesstoken"
)

func main() {
	cfg, err := accesstoken.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := accesstoken.Run(cfg, os.Stdout); err != nil {
		config.Exitf("mint token: %v", err)
	}
}

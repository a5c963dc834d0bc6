// Command slicgen generates the identity enumeration and binding tables for a
// controller manifest. It is meant to be run from go:generate:
//
//	//go:generate go run github.com/tinyrange/slic/cmd/slicgen -manifest slic.yaml -package board -o slic_gen.go
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/slic/internal/manifest"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	manifestPath := fs.String("manifest", "slic.yaml", "the manifest to generate from")
	pkg := fs.String("package", os.Getenv("GOPACKAGE"), "the package name of the generated file")
	out := fs.String("o", "slic_gen.go", "the output file, - for stdout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	if *pkg == "" {
		fs.Usage()
		return fmt.Errorf("-package is required outside go:generate")
	}

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		return err
	}

	src, err := manifest.Generate(m, *pkg)
	if err != nil {
		return err
	}

	if *out == "-" {
		_, err := os.Stdout.Write(src)
		return err
	}
	if err := os.WriteFile(*out, src, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", *out, err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "slicgen: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/UnknownOlympus/strata/internal/geometry"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

type Options struct {
	Input           string `short:"i" long:"in" description:"Input GeoJSON file. Reads from stdin if empty"`
	Output          string `short:"o" long:"out" description:"Output file path. Writes to stdout if empty"`
	Format          string `short:"f" long:"format" description:"Output format" choice:"json" choice:"yaml" default:"json"`
	Single          bool   `short:"1" long:"single" description:"Print only the first extracted geometry"`
	CleanHoles      bool   `long:"clean-holes" description:"Also clean the inner rings of polygons"`
	IdempotentClose bool   `long:"idempotent-close" description:"Close rings only when they are not closed already"`
	Strict          bool   `long:"strict" description:"Fail on polygons whose rings are malformed"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	var inputData []byte
	var err error

	if opts.Input != "" {
		inputData, err = os.ReadFile(opts.Input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input file: %v\n", err)
			os.Exit(1)
		}
	} else {
		inputData, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			os.Exit(1)
		}
	}

	features, err := normalizer(opts).ExtractFeaturesJSON(inputData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error extracting features: %v\n", err)
		os.Exit(1)
	}

	var result any = features
	if opts.Single {
		result = nil
		if len(features) > 0 {
			result = features[0]
		}
	}

	output, err := encode(result, opts.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		os.Exit(1)
	}

	if opts.Output != "" {
		if err = os.WriteFile(opts.Output, output, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output file: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Extracted %d geometries to %s\n", len(features), opts.Output)
		return
	}

	if _, err = os.Stdout.Write(output); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
}

func normalizer(opts Options) *geometry.Normalizer {
	var options []geometry.Option
	if opts.CleanHoles {
		options = append(options, geometry.WithCleanHoles())
	}
	if opts.IdempotentClose {
		options = append(options, geometry.WithIdempotentClose())
	}
	if opts.Strict {
		options = append(options, geometry.WithStrict())
	}

	return geometry.New(options...)
}

func encode(value any, format string) ([]byte, error) {
	if format == "yaml" {
		return yaml.Marshal(value)
	}

	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, err
	}

	return append(out, '\n'), nil
}

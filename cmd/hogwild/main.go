// Command hogwild runs Hogwild asynchronous training and the staged poisoning
// attack simulations built on it.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/seantiz/hogwild/internal/backend/process"
	"github.com/seantiz/hogwild/internal/model"
)

var version = "dev"

// trainModes maps run subcommands to run modes.
var trainModes = map[string]string{
	"train":          model.ModeNormal,
	"simulate":       model.ModeSimulateBias,
	"simulate-multi": model.ModeSimulateMultistage,
	"baseline":       model.ModeBaseline,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var showVersion bool
	root := flag.NewFlagSet("hogwild", flag.ContinueOnError)
	root.SetOutput(stderr)
	root.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := root.Parse(args); err != nil {
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "hogwild %s\n", version)
		return 0
	}

	rest := root.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	if mode, ok := trainModes[rest[0]]; ok {
		return runTrain(rest[0], mode, rest[1:], stdout, stderr)
	}
	switch rest[0] {
	case "status":
		return runStatus(rest[1:], stdout, stderr)
	case process.WorkerCommand:
		return runWorker(rest[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "hogwild %s\n", version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", rest[0])
		printUsage(stderr)
		return 2
	}
}

// splitName takes the run name from the front of args so flags may follow it.
func splitName(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `usage: hogwild <command> [args]

commands:
  train <runname> [flags]            Hogwild training
  simulate <runname> [flags]         single biased worker attack, then recovery
  simulate-multi <runname> [flags]   staged attack over cohorts of workers, then recovery
  baseline <runname> [flags]         single process training
  status <runname>                   show the latest run with this name
  version                            print version

Run "hogwild <command> -h" for the flags of a command.`)
}

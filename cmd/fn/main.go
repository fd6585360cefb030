// Command fn is the compiler+VM driver: a REPL and a file runner, wired
// together the way flowac's MVP driver wires lexer -> parser -> eval, but
// with the eval stage replaced by compile -> execute.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/jepugs/fn/pkg/bytecode"
	"github.com/jepugs/fn/pkg/compiler"
	"github.com/jepugs/fn/pkg/foreign"
	"github.com/jepugs/fn/pkg/lexer"
	"github.com/jepugs/fn/pkg/parser"
	"github.com/jepugs/fn/pkg/vm"
)

const prompt = "fn> "

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage:")
		fmt.Println("  fn repl        start a REPL")
		fmt.Println("  fn run <file>  compile and run a file")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "repl":
		startREPL()
	case "run":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: fn run <file>")
			os.Exit(1)
		}
		runFile(os.Args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func startREPL() {
	scanner := bufio.NewScanner(os.Stdin)
	module := bytecode.New()
	machine := vm.New(module, 0)
	foreign.Register(machine)

	fmt.Println("fn REPL")
	fmt.Println("enter a form and press Enter; Ctrl-D to quit")

	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		if err := evalOne(module, machine, line, "<repl>"); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(machine.LastPopped().String())
	}
}

func runFile(filename string) {
	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading file: %v\n", err)
		os.Exit(1)
	}

	module := bytecode.New()
	machine := vm.New(module, 0)
	foreign.Register(machine)

	if err := evalOne(module, machine, string(data), filename); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// evalOne compiles every top-level form in src into module (which may
// already hold earlier forms, e.g. from a previous REPL line) and runs only
// the newly-compiled tail of the module - re-running earlier forms would
// re-fire their side effects (defs, foreign calls) on every line.
func evalOne(module *bytecode.Module, machine *vm.VM, src, filename string) error {
	l := lexer.New(src)
	p := parser.New(l, filename)
	forms := p.ParseAll()
	if errs := p.Errors(); len(errs) > 0 {
		printErrors(os.Stderr, errs)
		return fmt.Errorf("parse failed")
	}

	start := module.Size()
	c := compiler.NewWithModule(module, filename)
	if err := c.CompileProgram(forms); err != nil {
		return err
	}
	return machine.RunFrom(start)
}

func printErrors(out io.Writer, errs []string) {
	for _, msg := range errs {
		fmt.Fprintln(out, msg)
	}
}

// Package terminal implements the human-facing side of the qtspy command line.
//
// It provides three pieces that the qtspy binary wires together:
//
//   - Printer renders agent frames for a person: snapshots, property maps and
//     live change events as indented JSON under a header line, colored when
//     the output is a terminal.
//   - Console is an interactive prompt over an attached agent. Each line names
//     an inspection tool and its argument; results are printed as they arrive.
//   - Picker is a full-screen process chooser used by --interactive.
//
// # Usage
//
// Streaming mode hands a Printer to the connection engine:
//
//	p := terminal.NewPrinter(os.Stdout, terminal.ColorEnabled(os.Stdout, noColor))
//	engine := client.New(client.Options{Handler: p, ...})
//
// Console mode attaches synchronously and reads commands from stdin:
//
//	sess, err := tools.Attach(ctx, dir, endpoint, "qtspy", log)
//	if err != nil {
//	    // handle error
//	}
//	console := terminal.NewConsole(tools.NewToolRegistry(sess), os.Stdin, os.Stdout)
//	err = console.Run(ctx, initialCommand)
//
// # Console commands
//
//   - snapshot: print the full tree
//   - props <id|first-root>: print one node's properties
//   - select <id|first-root>: select a node in the agent session
//   - changes: print change events received since the last call
//   - help: list the commands
//   - /quit, /exit: end the console
package terminal

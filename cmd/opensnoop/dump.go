package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cilium/opensnoop/asm"
	"github.com/cilium/opensnoop/programs"
)

// newDumpCommand prints the assembled programs without loading them.
func newDumpCommand(stdout io.Writer) *cobra.Command {
	var (
		opts programs.Options
		raw  bool
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the instructions of the resident programs",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return dump(stdout, opts, raw)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Arch, "arch", "", "pt_regs layout to assemble for (amd64, arm64; default: host)")
	flags.Uint32VarP(&opts.PID, "pid", "p", 0, "include a filter for this process")
	flags.Uint32VarP(&opts.TID, "tid", "t", 0, "include a filter for this thread")
	flags.BoolVar(&raw, "raw", false, "print the encoded instructions as hex")
	return cmd
}

func dump(w io.Writer, opts programs.Options, raw bool) error {
	for _, build := range []struct {
		name string
		fn   func(programs.Options) (*asm.Program, error)
	}{
		{"trace_entry", programs.Entry},
		{"trace_return", programs.Return},
	} {
		p, err := build.fn(opts)
		if err != nil {
			return fmt.Errorf("%s: %w", build.name, err)
		}

		fmt.Fprintf(w, "%s:\n", build.name)
		fmt.Fprintf(w, "\tKind:         %s\n", p.Kind)
		fmt.Fprintf(w, "\tLicense:      %s\n", p.License)
		fmt.Fprintf(w, "\tSize:         %d\n", p.Instructions.Size())
		fmt.Fprintf(w, "\tInstructions:\n")
		fmt.Fprintf(w, "%.2v", p.Instructions)

		if raw {
			buf, err := p.Encode()
			if err != nil {
				return fmt.Errorf("%s: %w", build.name, err)
			}
			fmt.Fprintf(w, "\tEncoded:\n")
			for i := 0; i < len(buf); i += asm.InstructionSize {
				fmt.Fprintf(w, "\t\t% x\n", buf[i:i+asm.InstructionSize])
			}
		}
	}
	return nil
}

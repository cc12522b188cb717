// Command trck compiles trck pattern-matching programs into generated
// matcher/header/proto-glue source text (spec.md §5 "External
// interfaces"). It is a thin cobra wrapper: every real stage lives in
// internal/lexer, internal/parser, internal/normalize, internal/analysis
// and internal/codegen so it can be exercised directly from tests.
//
// Per spec.md §6, `matcher` and `header` read the Generated AST JSON
// (§6) on standard input; `lex` and `gen` are the source-language front
// end that produces it from a `.trck` file.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/trck-lang/trck/core/ir"
	"github.com/trck-lang/trck/internal/analysis"
	"github.com/trck-lang/trck/internal/astjson"
	"github.com/trck-lang/trck/internal/codegen"
	"github.com/trck-lang/trck/internal/lexer"
	"github.com/trck-lang/trck/internal/normalize"
	"github.com/trck-lang/trck/internal/parser"
	"github.com/trck-lang/trck/internal/protoval"
	"github.com/trck-lang/trck/internal/terrors"
	"github.com/trck-lang/trck/internal/xlog"
)

// Exit codes per spec.md §5 "CLI modes".
const (
	exitSuccess      = 0
	exitInvalidArgs  = 1
	exitIOError      = 2
	exitCompileError = 3
	exitCodegenError = 4
	exitProtoError   = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	var debugFlag bool

	root := &cobra.Command{
		Use:           "trck",
		Short:         "compile trck pattern-matching programs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable verbose stage logging")

	exitCode := exitSuccess
	fail := func(code int) { exitCode = code }

	root.AddCommand(lexCmd(fail))
	root.AddCommand(genCmd(fail))
	root.AddCommand(matcherCmd(fail))
	root.AddCommand(headerCmd(fail))

	cobra.OnInitialize(func() {
		if debugFlag {
			xlog.SetOutput(os.Stderr, slog.LevelDebug)
		}
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == exitSuccess {
			exitCode = exitInvalidArgs
		}
	}
	return exitCode
}

func readSource(path string) (string, error) {
	if path == "-" || path == "" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

// compileToProgram runs the front end (lex, parse, normalize, analyze)
// on the named `.trck` source file and returns the analyzed program.
// Used by `gen`; `lex` stops after the layout filter.
func compileToProgram(path string) (*ir.Program, error) {
	src, err := readSource(path)
	if err != nil {
		return nil, err
	}
	toks, err := lexer.New(src).Tokenize()
	if err != nil {
		return nil, err
	}
	filtered, err := lexer.Layout(toks)
	if err != nil {
		return nil, err
	}
	prog, err := parser.Parse(filtered)
	if err != nil {
		return nil, err
	}
	flat, err := normalize.Normalize(prog)
	if err != nil {
		return nil, err
	}
	var gb *ir.Groupby
	if prog.Foreach != nil {
		vars := prog.Foreach.Vars
		if prog.Foreach.ScalarOnly != "" {
			vars = []string{prog.Foreach.ScalarOnly}
		}
		gb = &ir.Groupby{Vars: vars, Array: prog.Foreach.Array, MergeResults: prog.Foreach.Merged}
	}
	return analysis.Analyze(flat, gb)
}

// decodeProgramFromStdin implements the §6 contract shared by `matcher`
// and `header`: read a Generated AST JSON document from standard input
// and run it through internal/analysis the same way the front end's own
// output would be.
func decodeProgramFromStdin() (*ir.Program, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	flat, gb, err := astjson.Decode(data)
	if err != nil {
		return nil, err
	}
	return analysis.Analyze(flat, gb)
}

func classifyErr(err error) int {
	switch err.(type) {
	case *terrors.LexerError, *terrors.IndentMismatch, *terrors.SyntaxError,
		*terrors.UnknownLabel, *terrors.InvalidTransition, *terrors.UnsupportedAction,
		*terrors.BadYield:
		return exitCompileError
	case *terrors.MissingWindowDuration:
		return exitCodegenError
	case *terrors.ProtoSchemaError:
		return exitProtoError
	default:
		return exitIOError
	}
}

func lexCmd(fail func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "lex <file.trck>",
		Short: "print the layout-filtered token stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0])
			if err != nil {
				fail(exitIOError)
				return err
			}
			toks, err := lexer.New(src).Tokenize()
			if err != nil {
				fail(classifyErr(err))
				return err
			}
			filtered, err := lexer.Layout(toks)
			if err != nil {
				fail(classifyErr(err))
				return err
			}
			for _, t := range filtered {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %q (%d:%d)\n", t.Type, t.Text, t.Line, t.Col)
			}
			return nil
		},
	}
}

func genCmd(fail func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "gen <file.trck>",
		Short: "run the front end and emit the Generated AST JSON (§6) to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileToProgram(args[0])
			if err != nil {
				fail(classifyErr(err))
				return err
			}
			b, err := astjson.Encode(p.Rules, p.Groupby)
			if err != nil {
				fail(exitCodegenError)
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}

func matcherCmd(fail func(int)) *cobra.Command {
	var includes []string
	var withProto bool
	var descriptorPath string
	var protoPackage string
	var protoMessage string
	var littleEndian bool

	cmd := &cobra.Command{
		Use:   "matcher",
		Short: "read a Generated AST JSON document on stdin, emit the matcher translation unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decodeProgramFromStdin()
			if err != nil {
				fail(classifyErr(err))
				return err
			}
			if err := codegen.ValidateStartTimestamps(p); err != nil {
				fail(classifyErr(err))
				return err
			}

			var protoOpts *codegen.ProtoOptions
			if withProto {
				msg, err := loadDescriptor(descriptorPath, protoPackage, protoMessage)
				if err != nil {
					fail(exitIOError)
					return err
				}
				if err := protoval.Validate(p, msg); err != nil {
					fail(exitProtoError)
					return err
				}
				protoOpts = &codegen.ProtoOptions{LittleEndian: littleEndian, MessageName: protoMessage}
			}

			out, err := codegen.GenerateMatcher(p, codegen.MatcherOptions{Includes: includes})
			if err != nil {
				fail(exitCodegenError)
				return err
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			if protoOpts != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "\n/* ---- proto serialization module ---- */")
				glue := codegen.GenerateProtoGlue(p, *protoOpts)
				_, err = cmd.OutOrStdout().Write(glue)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&includes, "include", nil, "extra header to #include in the generated matcher (repeatable)")
	cmd.Flags().BoolVar(&withProto, "proto", false, "validate against a proto descriptor and emit proto glue code")
	cmd.Flags().StringVar(&descriptorPath, "descriptor", "", "path to a serialized FileDescriptorSet (required with --proto)")
	cmd.Flags().StringVar(&protoPackage, "package", "", "proto package containing --message (required with --proto)")
	cmd.Flags().StringVar(&protoMessage, "message", "trck_result", "proto message name validated/emitted for --proto")
	cmd.Flags().BoolVar(&littleEndian, "little-endian", true, "use little-endian length prefixes for --proto framing")
	return cmd
}

func headerCmd(fail func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "header",
		Short: "read a Generated AST JSON document on stdin, emit the companion header translation unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decodeProgramFromStdin()
			if err != nil {
				fail(classifyErr(err))
				return err
			}
			out := codegen.GenerateHeader(p)
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// loadDescriptor reads a binary-encoded descriptorpb.FileDescriptorSet
// from path and returns the named message descriptor from pkg, for the
// --proto preflight validation pass (spec.md §4.7).
func loadDescriptor(path, pkg, message string) (*descriptorpb.DescriptorProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &fds); err != nil {
		return nil, fmt.Errorf("invalid FileDescriptorSet %s: %w", path, err)
	}
	for _, f := range fds.File {
		if pkg != "" && f.GetPackage() != pkg {
			continue
		}
		for _, m := range f.MessageType {
			if m.GetName() == message {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("message %q not found in package %q of %s", message, pkg, path)
}

package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/chzyer/readline"
	"github.com/sushant-115/gojolite/core/engine"
)

type ShellCmd struct {
	History string `name:"history" help:"History file" default:"~/.gojolite_history" type:"path"`
}

// shellGrammar is what a shell line can say.
type shellGrammar struct {
	EngineCommands `embed:""`

	Exit ExitCmd `cmd:"" aliases:"quit" help:"Leave the shell"`
}

var errExitShell = errors.New("exit shell")

type ExitCmd struct{}

func (c *ExitCmd) Run(*session) error { return errExitShell }

// kong calls Exit after printing help or a usage error; the shell keeps
// going instead.
type shellExit struct{}

func newShellParser(out io.Writer) (*kong.Kong, error) {
	return kong.New(&shellGrammar{},
		kong.Name("gojolite"),
		kong.Description("Commands run against the open data file."),
		kong.Writers(out, out),
		kong.Exit(func(int) { panic(shellExit{}) }),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, NoAppSummary: true}),
	)
}

func completer() *readline.PrefixCompleter {
	pragmas := make([]readline.PrefixCompleterInterface, 0, len(engine.PragmaNames))
	for _, name := range engine.PragmaNames {
		pragmas = append(pragmas, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("info"),
		readline.PcItem("collections"),
		readline.PcItem("page"),
		readline.PcItem("checkpoint"),
		readline.PcItem("pragma", pragmas...),
		readline.PcItem("count"),
		readline.PcItem("get"),
		readline.PcItem("find"),
		readline.PcItem("rebuild"),
		readline.PcItem("backup"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func (c *ShellCmd) Run(s *session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", filepath.Base(s.engineFilename())),
		HistoryFile:     c.History,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	sh := *s
	sh.out = rl.Stdout()
	parser, err := newShellParser(sh.out)
	if err != nil {
		return err
	}

	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if err := execLine(parser, &sh, line); err != nil {
			if errors.Is(err, errExitShell) {
				return nil
			}
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
		if s.ctx.Err() != nil {
			return nil
		}
	}
}

func (s *session) engineFilename() string {
	info, err := s.engine.Info()
	if err != nil || info.Filename == "" {
		return "gojolite"
	}
	return info.Filename
}

// execLine parses one shell line and runs it.
func execLine(parser *kong.Kong, s *session, line string) (err error) {
	args, err := splitLine(line)
	if err != nil || len(args) == 0 {
		return err
	}
	if args[0] == "help" {
		args = append(args[1:], "--help")
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(shellExit); !ok {
				panic(r)
			}
			err = nil
		}
	}()
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(s)
}

// splitLine splits on spaces. Double quotes group words and are kept so
// that a quoted key stays a string.
func splitLine(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
			started = true
		case !quoted && (r == ' ' || r == '\t'):
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote")
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}

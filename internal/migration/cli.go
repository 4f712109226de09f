package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
)

// CLI 实现 `procflow migrate` 的各个子命令，输出写到 SetOutput 指定的位置
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI creates a CLI writing to stdout.
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, out: os.Stdout}
}

// SetOutput redirects command output.
func (c *CLI) SetOutput(w io.Writer) { c.out = w }

type command struct {
	usage string
	// argc 为需要的整数参数个数（0 或 1）
	argc int
	run  func(c *CLI, ctx context.Context, n int) error
}

var commands = map[string]command{
	"up": {usage: "apply all pending journal migrations", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.apply(ctx, "Applying journal schema migrations", c.migrator.Up)
	}},
	"down": {usage: "roll back the last migration", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.apply(ctx, "Rolling back the last migration", c.migrator.Down)
	}},
	"reset": {usage: "roll back every migration (drops the journal table)", run: func(c *CLI, ctx context.Context, _ int) error {
		return c.apply(ctx, "Rolling back all migrations", c.migrator.DownAll)
	}},
	"steps": {usage: "apply N migrations, or roll back when N is negative", argc: 1, run: func(c *CLI, ctx context.Context, n int) error {
		verb := "Applying"
		if n < 0 {
			verb = "Rolling back"
		}
		return c.apply(ctx, fmt.Sprintf("%s %d migration(s)", verb, abs(n)), func(ctx context.Context) error {
			return c.migrator.Steps(ctx, n)
		})
	}},
	"goto": {usage: "migrate up or down to version N", argc: 1, run: func(c *CLI, ctx context.Context, n int) error {
		if n < 0 {
			return fmt.Errorf("goto version must not be negative")
		}
		return c.apply(ctx, fmt.Sprintf("Migrating to version %d", n), func(ctx context.Context) error {
			return c.migrator.Goto(ctx, uint(n))
		})
	}},
	"force": {usage: "mark version N as applied without running it (clears dirty)", argc: 1, run: func(c *CLI, ctx context.Context, n int) error {
		return c.apply(ctx, fmt.Sprintf("Forcing version %d", n), func(ctx context.Context) error {
			return c.migrator.Force(ctx, n)
		})
	}},
	"version": {usage: "print the current schema version", run: (*CLI).version},
	"status":  {usage: "list migrations and the journal table state", run: (*CLI).status},
	"info":    {usage: "alias of status", run: (*CLI).status},
}

// Commands 返回子命令及说明，按名称排序，供 usage 输出
func Commands() [][2]string {
	out := make([][2]string, 0, len(commands))
	for name, cmd := range commands {
		if cmd.argc > 0 {
			name += " N"
		}
		out = append(out, [2]string{name, cmd.usage})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Run 执行 args[0] 指定的子命令，缺省为 status
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"status"}
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
	n := 0
	if cmd.argc > 0 {
		if len(args) < 2 {
			return fmt.Errorf("%s requires a numeric argument", args[0])
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid %s argument %q: %w", args[0], args[1], err)
		}
		n = v
	}
	return cmd.run(c, ctx, n)
}

// apply 执行一次变更，随后报告版本与日志表状态
func (c *CLI) apply(ctx context.Context, what string, op func(context.Context) error) error {
	fmt.Fprintf(c.out, "%s...\n", what)
	if err := op(ctx); err != nil {
		return fmt.Errorf("%s: %w", strings.ToLower(what), err)
	}
	if err := c.version(ctx, 0); err != nil {
		return err
	}
	return c.journalLine(ctx)
}

func (c *CLI) version(ctx context.Context, _ int) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	switch {
	case version == 0:
		fmt.Fprintln(c.out, "Schema version: none (no migrations applied)")
	case dirty:
		fmt.Fprintf(c.out, "Schema version: %d (dirty)\n", version)
		fmt.Fprintf(c.out, "A migration failed halfway. Repair the schema by hand, then run `procflow migrate force %d`.\n", version)
	default:
		fmt.Fprintf(c.out, "Schema version: %d\n", version)
	}
	return nil
}

func (c *CLI) status(ctx context.Context, _ int) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tMIGRATION\tSTATE")
	applied := 0
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
			applied++
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d of %d applied, %d pending\n", applied, len(statuses), len(statuses)-applied)

	if err := c.version(ctx, 0); err != nil {
		return err
	}
	return c.journalLine(ctx)
}

func (c *CLI) journalLine(ctx context.Context) error {
	table, err := c.migrator.JournalTable(ctx)
	if err != nil {
		return err
	}
	if !table.Exists {
		fmt.Fprintf(c.out, "Journal table %s: missing, the sql journal backend cannot start until `procflow migrate up`\n", table.Name)
		return nil
	}
	fmt.Fprintf(c.out, "Journal table %s: present, %d event(s)\n", table.Name, table.Rows)
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

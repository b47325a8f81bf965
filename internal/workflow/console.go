package workflow

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/pkg/schema"
)

const ruleWidth = 100

// Console is the operator-facing terminal. Logs go to slog; everything the
// operator reads or answers goes through a Console.
type Console struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	heading     lipgloss.Style
	renderer    *lipgloss.Renderer
}

// NewConsole creates a console. With interactive off, Ask never reads and
// callers fall back to configured answers.
func NewConsole(in io.Reader, out io.Writer, interactive bool) *Console {
	if in == nil {
		in = strings.NewReader("")
	}
	if out == nil {
		out = io.Discard
	}
	r := lipgloss.NewRenderer(out)
	return &Console{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: interactive,
		renderer:    r,
		heading:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("51")),
	}
}

// Interactive reports whether the console reads operator input.
func (c *Console) Interactive() bool { return c != nil && c.interactive }

// Printf writes formatted text.
func (c *Console) Printf(format string, args ...any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Println writes a line.
func (c *Console) Println(args ...any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, args...)
}

// Rule draws a horizontal separator.
func (c *Console) Rule(ch string) {
	c.Println(strings.Repeat(ch, ruleWidth))
}

// Heading prints a styled section title.
func (c *Console) Heading(title string) {
	if c == nil {
		return
	}
	c.Println(c.heading.Render(title))
}

// Ask prints prompt and reads one trimmed line. End of input cancels the
// run: an operator who closed stdin cannot answer any further question.
func (c *Console) Ask(prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, prompt)
	line, err := c.in.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", schema.NewError(schema.ErrCodeExecution, "read operator input").WithCause(err)
		}
		if line == "" {
			fmt.Fprintln(c.out)
			return "", schema.NewError(schema.ErrCodeCancelled, "operator input closed")
		}
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks a Y/N question until it gets a valid answer. An empty answer
// means no. Non-interactive consoles answer no without asking.
func (c *Console) Confirm(prompt string) (bool, error) {
	if !c.Interactive() {
		return false, nil
	}
	for {
		answer, err := c.Ask(prompt)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		}
		c.Println("Please answer Y or N.")
	}
}

// SettingsTable renders the global options as a table.
func (c *Console) SettingsTable(opts []state.Option) {
	if c == nil {
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "Option", "Description", "Value")
	for i, o := range opts {
		t.Row(fmt.Sprint(i+1), o.Name, o.Description, o.Default)
	}
	c.Println(t.Render())
}

// Capitalize upper-cases the first character of a workspace name, which is
// how workspaces are stored.
func Capitalize(name string) string {
	if name == "" {
		return name
	}
	r := []rune(name)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

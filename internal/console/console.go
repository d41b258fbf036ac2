// Package console implements the interactive operator on a terminal.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/term"

	"modver/internal/capability"
)

var (
	yesRx    = regexp.MustCompile(`^(?:y(?:es)?)$`)
	alwaysRx = regexp.MustCompile(`^(?:a(?:lways)?)$`)
	noRx     = regexp.MustCompile(`^(?:n(?:o)?)$`)
	abortRx  = regexp.MustCompile(`^(?:q(?:uit)?|abort)$`)
)

// Options configures a Console.
type Options struct {
	// AssumeYes answers Yes to every confirmation and the default to every
	// question. Abort is never chosen automatically.
	AssumeYes bool
}

// Console implements capability.Operator.
type Console struct {
	in   *bufio.Reader
	out  io.Writer
	opts Options

	mu     sync.Mutex
	indent int
}

// New creates a console reading answers from in.
func New(in io.Reader, out io.Writer, opts Options) *Console {
	return &Console{in: bufio.NewReader(in), out: out, opts: opts}
}

// Interactive reports whether f is a terminal.
func Interactive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of f, or 80.
func Width(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func (c *Console) prefix() string {
	return strings.Repeat("  ", c.indent)
}

// Inform prints a message at the current indentation.
func (c *Console) Inform(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.prefix()
	for _, line := range strings.Split(strings.TrimRight(fmt.Sprintf(format, args...), "\n"), "\n") {
		fmt.Fprintf(c.out, "%s%s\n", p, line)
	}
}

// Indent nests subsequent output until the returned func is called.
func (c *Console) Indent() func() {
	c.mu.Lock()
	c.indent++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.indent--
			c.mu.Unlock()
		})
	}
}

// readLine returns the next answer. io.EOF is returned when input is
// exhausted.
func (c *Console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks until a valid answer is given. End of input aborts.
func (c *Console) Confirm(key, prompt string) capability.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.prefix()
	if c.opts.AssumeYes {
		fmt.Fprintf(c.out, "%s%s yes\n", p, prompt)
		return capability.Yes
	}
	for {
		fmt.Fprintf(c.out, "%s%s Yes [y/yes], Always [a/always], No [n/no], Abort [q/abort]: ", p, prompt)
		input, err := c.readLine()
		if err != nil {
			fmt.Fprintln(c.out)
			return capability.Abort
		}
		input = strings.ToLower(input)
		switch {
		case yesRx.MatchString(input):
			return capability.Yes
		case alwaysRx.MatchString(input):
			return capability.YesAlways
		case noRx.MatchString(input):
			return capability.No
		case abortRx.MatchString(input):
			return capability.Abort
		}
	}
}

// Ask reads a free-form answer. An empty line yields def.
func (c *Console) Ask(prompt, def string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.prefix()
	if def != "" {
		prompt = fmt.Sprintf("%s [%s]", prompt, def)
	}
	if c.opts.AssumeYes {
		fmt.Fprintf(c.out, "%s%s: %s\n", p, prompt, def)
		return def, nil
	}
	fmt.Fprintf(c.out, "%s%s: ", p, prompt)
	input, err := c.readLine()
	if errors.Is(err, io.EOF) {
		fmt.Fprintln(c.out)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	if input == "" {
		return def, nil
	}
	return input, nil
}

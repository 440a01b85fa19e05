package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rendis/funnel/pkg/schema"
)

// Console is a line-oriented transport for local runs. Each input line
// "contact: text" is received as a text message from contact; sent messages
// are printed to the output.
type Console struct {
	*Memory

	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewConsole creates a console transport reading from in and printing to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{Memory: NewMemory(), in: in, out: out}
}

// Send prints msg and records it.
func (c *Console) Send(ctx context.Context, to string, msg schema.Message) (schema.Message, error) {
	sent, err := c.Memory.Send(ctx, to, msg)
	if err != nil {
		return sent, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, "-> %s: %s\n", to, render(sent)); err != nil {
		return sent, schema.NewError(schema.ErrCodeTransport, "console write failed").WithCause(err)
	}
	return sent, nil
}

// Run reads input lines until EOF or ctx is canceled.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			contact, text, ok := ParseLine(line)
			if !ok {
				continue
			}
			c.Receive(contact, "", schema.Text(text))
		}
	}
}

// ParseLine splits "contact: text". Blank lines and lines starting with #
// are ignored.
func ParseLine(line string) (contact, text string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	contact, text, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	contact, text = strings.TrimSpace(contact), strings.TrimSpace(text)
	if contact == "" || text == "" {
		return "", "", false
	}
	return contact, text, true
}

func render(msg schema.Message) string {
	switch msg.Type {
	case schema.MessageText:
		return msg.Text
	case schema.MessagePoll:
		return fmt.Sprintf("%s [%s]", msg.Text, strings.Join(msg.Options, " | "))
	case schema.MessageLocation:
		return fmt.Sprintf("(%s) %s %f,%f", msg.Type, msg.Name, msg.Latitude, msg.Longitude)
	case schema.MessageContact:
		return fmt.Sprintf("(%s) %s %s", msg.Type, msg.Name, msg.Phone)
	default:
		if msg.Caption != "" {
			return fmt.Sprintf("(%s) %s %s", msg.Type, msg.URL, msg.Caption)
		}
		return fmt.Sprintf("(%s) %s", msg.Type, msg.URL)
	}
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/raphaelgruber/policychat/internal/auth"
	"github.com/raphaelgruber/policychat/internal/client"
)

// prompter reads answers from an input stream. Passwords are read without
// echo when the input is a terminal.
type prompter struct {
	in  *bufio.Reader
	fd  int
	tty bool
	out io.Writer
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	fd := int(in.Fd())
	return &prompter{
		in:  bufio.NewReader(in),
		fd:  fd,
		tty: term.IsTerminal(fd),
		out: out,
	}
}

// Line prints label and returns the trimmed answer. io.EOF is returned when
// the input is closed before any text was read.
func (p *prompter) Line(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *prompter) Password(label string) (string, error) {
	if !p.tty {
		return p.Line(label)
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// login asks for credentials until Cognito accepts them or three attempts
// have failed.
func login(ctx context.Context, provider *auth.Provider, p *prompter) (*auth.Session, error) {
	const maxAttempts = 3

	for attempt := 1; ; attempt++ {
		username, err := p.Line("Username: ")
		if err != nil {
			return nil, err
		}
		password, err := p.Password("Password: ")
		if err != nil {
			return nil, err
		}
		if username == "" || password == "" {
			err = auth.ErrInvalidCredentials
			fmt.Fprintln(p.out, defaultTheme.errorStyle().Render("Username and password are required."))
		} else {
			sess, loginErr := provider.Login(ctx, username, password)
			if loginErr == nil {
				return sess, nil
			}
			if !errors.Is(loginErr, auth.ErrInvalidCredentials) && !errors.Is(loginErr, auth.ErrUserNotFound) {
				return nil, loginErr
			}
			err = loginErr
			fmt.Fprintln(p.out, defaultTheme.errorStyle().Render("Invalid username or password."))
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("login failed after %d attempts: %w", attempt, err)
		}
	}
}

// remoteLogin logs the client in against a policychat server.
func remoteLogin(ctx context.Context, c *client.Client, p *prompter) (*client.Identity, error) {
	const maxAttempts = 3

	for attempt := 1; ; attempt++ {
		username, err := p.Line("Username: ")
		if err != nil {
			return nil, err
		}
		password, err := p.Password("Password: ")
		if err != nil {
			return nil, err
		}

		id, err := c.Login(ctx, username, password)
		if err == nil {
			return id, nil
		}
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || (apiErr.Status != http.StatusBadRequest && apiErr.Status != http.StatusUnauthorized) {
			return nil, err
		}
		fmt.Fprintln(p.out, defaultTheme.errorStyle().Render(apiErr.Message))
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("login failed after %d attempts: %w", attempt, err)
		}
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/policychat/internal/auth"
	"github.com/raphaelgruber/policychat/internal/client"
	"github.com/raphaelgruber/policychat/internal/conversation"
	"github.com/raphaelgruber/policychat/internal/models"
)

var (
	chatSession string
	chatUser    string
	chatPolicy  string
	chatServer  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat with the policy agent",
	Long: `Log in with Cognito and chat with the insurance agent.

A new session is started unless --session names one to resume. With
--server the chat goes through a running "policychat serve" instead of
calling the agent directly. Type /help inside the chat for the available
commands.`,
	Example: `  policychat chat
  policychat chat --session 3f0c...
  policychat chat --user alice --policy POL-1234
  policychat chat --server http://localhost:8585`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "resume an existing session")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "chat as this user without logging in")
	chatCmd.Flags().StringVar(&chatPolicy, "policy", "", "policy number to use with --user")
	chatCmd.Flags().StringVar(&chatServer, "server", "", "policychat server URL (default: run locally)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	p := newPrompter(os.Stdin, out)

	var backend chatBackend
	if chatServer != "" {
		c := client.New(chatServer)
		id, err := remoteLogin(ctx, c, p)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Logout(context.Background()); err != nil {
				logger.Warn("logout failed", "error", err)
			}
		}()
		logger.Info("connected to server", "server", chatServer, "user", id.Username)
		backend = &remoteBackend{c: c}
	} else {
		orch, closeStore, err := newOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		sc, authSess, err := resolveUser(ctx, p, chatUser, chatPolicy)
		if err != nil {
			return err
		}
		if authSess != nil {
			defer func() {
				if err := authSess.Logout(context.Background()); err != nil {
					logger.Warn("logout failed", "error", err)
				}
			}()
		}
		backend = &localBackend{orch: orch, sc: sc}
	}

	c := &chatLoop{backend: backend, out: out, in: p, theme: defaultTheme}
	if err := c.open(ctx, chatSession); err != nil {
		return err
	}
	return c.run(ctx)
}

// resolveUser returns the identity to act as. Without a user it logs in.
func resolveUser(ctx context.Context, p *prompter, user, policy string) (conversation.SessionContext, *auth.Session, error) {
	if user != "" {
		logger.Info("skipping authentication", "user_id", user)
		return conversation.SessionContext{UserID: user, PolicyNumber: policy}, nil, nil
	}

	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return conversation.SessionContext{}, nil, err
	}
	provider, err := newAuthProvider(ctx, awsCfg)
	if err != nil {
		return conversation.SessionContext{}, nil, err
	}
	sess, err := login(ctx, provider, p)
	if err != nil {
		return conversation.SessionContext{}, nil, err
	}
	return conversation.SessionContext{
		UserID:       sess.Username(),
		Username:     sess.Username(),
		PolicyNumber: sess.PolicyNumber(),
	}, sess, nil
}

// chatLoop is the read-eval-print loop of one chat.
type chatLoop struct {
	backend   chatBackend
	out       io.Writer
	in        *prompter
	theme     Theme
	sessionID string
}

// open resumes sessionID, or starts a new session when it is empty.
func (c *chatLoop) open(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		sess, err := c.backend.Session(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("resume session %s: %w", sessionID, err)
		}
		c.sessionID = sessionID
		fmt.Fprintln(c.out, c.theme.hintStyle().Render(fmt.Sprintf("Resumed session %s (%d messages)", sessionID, len(sess.Messages))))
		c.printMessages(sess.Messages)
		return nil
	}

	var welcome *models.Message
	var id string
	err := withThinking(ctx, "Starting session...", func(ctx context.Context) error {
		var err error
		id, welcome, err = c.backend.Start(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	c.sessionID = id
	fmt.Fprintln(c.out, c.theme.hintStyle().Render("Session "+id))
	if welcome != nil {
		c.printMessages([]models.Message{*welcome})
	}
	return nil
}

func (c *chatLoop) run(ctx context.Context) error {
	fmt.Fprintln(c.out, c.theme.hintStyle().Render("Type /help for commands, /quit to leave."))
	for {
		line, err := c.in.Line("\n> ")
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(c.out)
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := c.command(ctx, line)
			if err != nil {
				fmt.Fprintln(c.out, c.theme.errorStyle().Render(err.Error()))
			}
			if quit {
				return nil
			}
			continue
		}

		if err := c.turn(ctx, line); err != nil {
			if errors.Is(err, errInterrupted) {
				fmt.Fprintln(c.out, c.theme.hintStyle().Render("Cancelled."))
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(c.out, c.theme.errorStyle().Render(err.Error()))
		}
	}
}

func (c *chatLoop) turn(ctx context.Context, prompt string) error {
	var res conversation.TurnResult
	err := withThinking(ctx, "Thinking...", func(ctx context.Context) error {
		var err error
		res, err = c.backend.Turn(ctx, c.sessionID, prompt)
		return err
	})
	if err != nil {
		return err
	}

	if !res.Persisted {
		fmt.Fprintln(c.out, c.theme.errorStyle().Render(res.DisplayedText))
		return nil
	}
	fmt.Fprintln(c.out, c.theme.assistantStyle().Render("Agent:"), res.DisplayedText)
	return nil
}

// command handles a slash command. It reports whether the chat should end.
func (c *chatLoop) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(c.out, `Commands:
  /new            start a new session
  /sessions       list your sessions
  /resume <id>    switch to another session
  /history        show this session's messages
  /quit           leave the chat`)

	case "/new":
		return false, c.open(ctx, "")

	case "/resume":
		if len(fields) < 2 {
			return false, errors.New("usage: /resume <session-id>")
		}
		return false, c.open(ctx, fields[1])

	case "/sessions":
		list, err := c.backend.Sessions(ctx)
		if err != nil {
			return false, err
		}
		printSessions(c.out, list, c.sessionID)

	case "/history":
		sess, err := c.backend.Session(ctx, c.sessionID)
		if err != nil {
			return false, err
		}
		c.printMessages(sess.Messages)

	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

func (c *chatLoop) printMessages(msgs []models.Message) {
	printMessages(c.out, c.theme, msgs)
}

func printMessages(w io.Writer, theme Theme, msgs []models.Message) {
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			fmt.Fprintln(w, theme.assistantStyle().Render("Agent:"), m.Content)
		default:
			fmt.Fprintln(w, theme.statusStyle().Render("You:"), m.Content)
		}
	}
}

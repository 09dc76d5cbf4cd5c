package cli

import (
	"context"

	"github.com/raphaelgruber/policychat/internal/client"
	"github.com/raphaelgruber/policychat/internal/conversation"
	"github.com/raphaelgruber/policychat/internal/models"
)

// chatBackend is what the chat loop needs. It is served either in-process
// or by a remote policychat server.
type chatBackend interface {
	Start(ctx context.Context) (sessionID string, welcome *models.Message, err error)
	Turn(ctx context.Context, sessionID, prompt string) (conversation.TurnResult, error)
	Session(ctx context.Context, sessionID string) (*models.Session, error)
	Sessions(ctx context.Context) ([]models.SessionSummary, error)
}

// localBackend runs turns through an in-process orchestrator.
type localBackend struct {
	orch *conversation.Orchestrator
	sc   conversation.SessionContext
}

func (b *localBackend) Start(ctx context.Context) (string, *models.Message, error) {
	sc := b.sc
	sc.SessionID = ""
	sc, welcome, err := b.orch.StartSession(ctx, sc)
	return sc.SessionID, welcome, err
}

func (b *localBackend) Turn(ctx context.Context, sessionID, prompt string) (conversation.TurnResult, error) {
	sc := b.sc
	sc.SessionID = sessionID
	return b.orch.HandleTurn(ctx, sc, prompt)
}

func (b *localBackend) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	return b.orch.Session(ctx, b.sc.UserID, sessionID)
}

func (b *localBackend) Sessions(ctx context.Context) ([]models.SessionSummary, error) {
	return b.orch.Sessions(ctx, b.sc.UserID)
}

// remoteBackend talks to a policychat server. The client must be logged in.
type remoteBackend struct {
	c *client.Client
}

func (b *remoteBackend) Start(ctx context.Context) (string, *models.Message, error) {
	return b.c.CreateSession(ctx)
}

func (b *remoteBackend) Turn(ctx context.Context, sessionID, prompt string) (conversation.TurnResult, error) {
	res, err := b.c.SendTurn(ctx, sessionID, prompt)
	if err != nil {
		return conversation.TurnResult{}, err
	}
	return *res, nil
}

func (b *remoteBackend) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	return b.c.GetSession(ctx, sessionID)
}

func (b *remoteBackend) Sessions(ctx context.Context) ([]models.SessionSummary, error) {
	return b.c.ListSessions(ctx)
}

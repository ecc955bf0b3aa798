// Package mcp exposes the review queue and corpus status as MCP tools so
// reviewers can triage findings from an assistant client.
package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/usecase"
)

// Reviewer is the review queue surface the tools drive.
type Reviewer interface {
	Pending(ctx context.Context, limit int) ([]domain.Finding, error)
	Adjudicate(ctx context.Context, id string, outcome domain.Outcome, reviewer, note string) (domain.Finding, error)
	Stats(ctx context.Context) (usecase.ReviewStats, error)
}

// FindingReader loads a finding with its evidence trail.
type FindingReader interface {
	Finding(ctx context.Context, id string) (domain.Finding, error)
	ListFindings(ctx context.Context, filter domain.FindingFilter) ([]domain.Finding, error)
	Evidence(ctx context.Context, ids []string) ([]domain.Evidence, error)
}

// StatusReader reports harvest progress and archived entity history.
type StatusReader interface {
	Stats(ctx context.Context) (domain.CorpusStats, error)
	CheckpointStatus(ctx context.Context) (domain.Checkpoint, error)
	Failures(ctx context.Context, phases ...domain.Phase) ([]domain.PageFailure, error)
	Revisions(ctx context.Context, kind domain.EntityKind, id string) ([]domain.Revision, error)
}

type Server struct {
	review   Reviewer
	findings FindingReader
	status   StatusReader
	mcp      *sdk.Server
}

func NewServer(review Reviewer, findings FindingReader, status StatusReader, version string) *Server {
	s := &Server{
		review:   review,
		findings: findings,
		status:   status,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "moltbookwatch",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}

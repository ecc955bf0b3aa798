package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"MoltbookWatch/internal/aggregate"
	"MoltbookWatch/internal/domain"
)

type ListPendingInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of findings, default 20"`
}

type ListFindingsInput struct {
	Status   string `json:"status,omitempty" jsonschema:"auto-resolved, pending-review, confirmed or rejected"`
	Category string `json:"category,omitempty" jsonschema:"taxonomy category filter"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of findings, default 50"`
}

type GetFindingInput struct {
	ID string `json:"id" jsonschema:"finding id"`
}

type AdjudicateInput struct {
	ID       string `json:"id" jsonschema:"finding id"`
	Outcome  string `json:"outcome" jsonschema:"confirmed or rejected"`
	Reviewer string `json:"reviewer" jsonschema:"who made the decision"`
	Note     string `json:"note,omitempty" jsonschema:"free-form justification"`
}

type RevisionsInput struct {
	Kind string `json:"kind" jsonschema:"post, comment, agent or submolt"`
	ID   string `json:"id" jsonschema:"entity id"`
}

type EmptyInput struct{}

type FindingOutput struct {
	ID         string   `json:"id"`
	Category   string   `json:"category"`
	Target     string   `json:"target"`
	Members    []string `json:"members,omitempty"`
	Confidence float64  `json:"confidence"`
	Extractors []string `json:"extractors"`
	Status     string   `json:"status"`
}

type EvidenceOutput struct {
	ID        string   `json:"id"`
	Extractor string   `json:"extractor"`
	Targets   []string `json:"targets"`
	Score     float64  `json:"score"`
	Rationale string   `json:"rationale"`
}

type FindingListOutput struct {
	Findings []FindingOutput `json:"findings"`
}

type FindingDetailOutput struct {
	Finding  FindingOutput    `json:"finding"`
	Evidence []EvidenceOutput `json:"evidence"`
}

type ReviewStatsOutput struct {
	Counts      map[string]int        `json:"counts"`
	Labels      int                   `json:"labels"`
	Calibration []aggregate.Precision `json:"calibration"`
}

type PhaseOutput struct {
	Phase       string `json:"phase"`
	Cursor      string `json:"cursor"`
	Exhausted   bool   `json:"exhausted"`
	Pages       int    `json:"pages"`
	FailedPages int    `json:"failed_pages"`
	Pending     int    `json:"pending"`
	Corrupt     string `json:"corrupt,omitempty"`
}

type CorpusStatusOutput struct {
	Counts    map[string]int  `json:"counts"`
	Revisions int             `json:"revisions"`
	Phases    []PhaseOutput   `json:"phases"`
	Failures  []FailureOutput `json:"failures,omitempty"`
	Done      bool            `json:"done"`
}

type FailureOutput struct {
	Phase    string `json:"phase"`
	Page     string `json:"page"`
	IDs      int    `json:"ids"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
	FailedAt string `json:"failed_at"`
}

type RevisionOutput struct {
	FetchedAt  string          `json:"fetched_at"`
	ArchivedAt string          `json:"archived_at"`
	Payload    json.RawMessage `json:"payload"`
}

type RevisionsOutput struct {
	Kind      string           `json:"kind"`
	ID        string           `json:"id"`
	Revisions []RevisionOutput `json:"revisions"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_pending_findings",
		Description: "List findings awaiting human review, highest confidence first",
	}, s.handleListPending)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_findings",
		Description: "List findings with optional status and category filters",
	}, s.handleListFindings)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_finding",
		Description: "Retrieve a finding with its full evidence trail",
	}, s.handleGetFinding)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "adjudicate_finding",
		Description: "Confirm or reject a pending finding",
	}, s.handleAdjudicate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "review_stats",
		Description: "Finding counts per status and per-extractor precision from past decisions",
	}, s.handleReviewStats)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "corpus_status",
		Description: "Harvested record counts and acquisition checkpoint progress",
	}, s.handleCorpusStatus)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "corpus_revisions",
		Description: "Archived earlier copies of a post or other entity, oldest first",
	}, s.handleRevisions)
}

func (s *Server) handleListPending(ctx context.Context, req *sdk.CallToolRequest, input ListPendingInput) (*sdk.CallToolResult, FindingListOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	findings, err := s.review.Pending(ctx, limit)
	if err != nil {
		return nil, FindingListOutput{}, err
	}
	return nil, findingListOutput(findings), nil
}

func (s *Server) handleListFindings(ctx context.Context, req *sdk.CallToolRequest, input ListFindingsInput) (*sdk.CallToolResult, FindingListOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	findings, err := s.findings.ListFindings(ctx, domain.FindingFilter{
		Status:   domain.FindingStatus(input.Status),
		Category: input.Category,
		Limit:    limit,
	})
	if err != nil {
		return nil, FindingListOutput{}, err
	}
	return nil, findingListOutput(findings), nil
}

func (s *Server) handleGetFinding(ctx context.Context, req *sdk.CallToolRequest, input GetFindingInput) (*sdk.CallToolResult, FindingDetailOutput, error) {
	if input.ID == "" {
		return nil, FindingDetailOutput{}, fmt.Errorf("id is required")
	}
	f, err := s.findings.Finding(ctx, input.ID)
	if err != nil {
		return nil, FindingDetailOutput{}, err
	}
	evidence, err := s.findings.Evidence(ctx, f.Evidence)
	if err != nil {
		return nil, FindingDetailOutput{}, err
	}

	out := FindingDetailOutput{Finding: findingOutput(f), Evidence: make([]EvidenceOutput, 0, len(evidence))}
	for _, ev := range evidence {
		out.Evidence = append(out.Evidence, EvidenceOutput{
			ID:        ev.ID,
			Extractor: string(ev.Extractor),
			Targets:   ev.Targets,
			Score:     ev.Score,
			Rationale: ev.Rationale,
		})
	}
	return nil, out, nil
}

func (s *Server) handleAdjudicate(ctx context.Context, req *sdk.CallToolRequest, input AdjudicateInput) (*sdk.CallToolResult, FindingOutput, error) {
	if input.ID == "" {
		return nil, FindingOutput{}, fmt.Errorf("id is required")
	}
	if input.Reviewer == "" {
		return nil, FindingOutput{}, fmt.Errorf("reviewer is required")
	}
	f, err := s.review.Adjudicate(ctx, input.ID, domain.Outcome(input.Outcome), input.Reviewer, input.Note)
	if err != nil {
		return nil, FindingOutput{}, err
	}
	return nil, findingOutput(f), nil
}

func (s *Server) handleReviewStats(ctx context.Context, req *sdk.CallToolRequest, input EmptyInput) (*sdk.CallToolResult, ReviewStatsOutput, error) {
	stats, err := s.review.Stats(ctx)
	if err != nil {
		return nil, ReviewStatsOutput{}, err
	}
	out := ReviewStatsOutput{Counts: map[string]int{}, Labels: stats.Labels, Calibration: stats.Calibration}
	for status, n := range stats.Counts {
		out.Counts[string(status)] = n
	}
	return nil, out, nil
}

func (s *Server) handleCorpusStatus(ctx context.Context, req *sdk.CallToolRequest, input EmptyInput) (*sdk.CallToolResult, CorpusStatusOutput, error) {
	if s.status == nil {
		return nil, CorpusStatusOutput{}, fmt.Errorf("corpus status unavailable")
	}
	stats, err := s.status.Stats(ctx)
	if err != nil {
		return nil, CorpusStatusOutput{}, err
	}
	cp, err := s.status.CheckpointStatus(ctx)
	if err != nil {
		return nil, CorpusStatusOutput{}, err
	}

	out := CorpusStatusOutput{Counts: map[string]int{}, Revisions: stats.Revisions, Done: cp.Done()}
	for kind, n := range stats.Counts {
		out.Counts[string(kind)] = n
	}
	for _, p := range domain.Phases {
		ps := cp.Phases[p]
		po := PhaseOutput{
			Phase:       string(p),
			Cursor:      ps.Cursor,
			Exhausted:   ps.Exhausted,
			Pages:       ps.Pages,
			FailedPages: ps.FailedPages,
			Pending:     cp.Pending[p],
		}
		if err := cp.Corrupt[p]; err != nil {
			po.Corrupt = err.Error()
		}
		out.Phases = append(out.Phases, po)
	}

	failures, err := s.status.Failures(ctx)
	if err != nil {
		return nil, CorpusStatusOutput{}, err
	}
	for _, f := range failures {
		out.Failures = append(out.Failures, FailureOutput{
			Phase:    string(f.Phase),
			Page:     f.Page,
			IDs:      len(f.IDs),
			Attempts: f.Attempts,
			Error:    f.Err,
			FailedAt: f.FailedAt.Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleRevisions(ctx context.Context, req *sdk.CallToolRequest, input RevisionsInput) (*sdk.CallToolResult, RevisionsOutput, error) {
	if s.status == nil {
		return nil, RevisionsOutput{}, fmt.Errorf("corpus status unavailable")
	}
	kind := domain.EntityKind(input.Kind)
	if kind == "" {
		kind = domain.KindPost
	}
	switch kind {
	case domain.KindPost, domain.KindComment, domain.KindAgent, domain.KindSubmolt:
	default:
		return nil, RevisionsOutput{}, fmt.Errorf("unknown entity kind %q", input.Kind)
	}
	revs, err := s.status.Revisions(ctx, kind, input.ID)
	if err != nil {
		return nil, RevisionsOutput{}, err
	}

	out := RevisionsOutput{Kind: string(kind), ID: input.ID, Revisions: make([]RevisionOutput, 0, len(revs))}
	for _, r := range revs {
		ro := RevisionOutput{
			FetchedAt:  r.FetchedAt.Format(time.RFC3339),
			ArchivedAt: r.ArchivedAt.Format(time.RFC3339),
		}
		if json.Valid(r.Raw) {
			ro.Payload = json.RawMessage(r.Raw)
		} else {
			quoted, _ := json.Marshal(string(r.Raw))
			ro.Payload = quoted
		}
		out.Revisions = append(out.Revisions, ro)
	}
	return nil, out, nil
}

func findingListOutput(findings []domain.Finding) FindingListOutput {
	out := FindingListOutput{Findings: make([]FindingOutput, 0, len(findings))}
	for _, f := range findings {
		out.Findings = append(out.Findings, findingOutput(f))
	}
	return out
}

func findingOutput(f domain.Finding) FindingOutput {
	kinds := make([]string, len(f.Extractors))
	for i, k := range f.Extractors {
		kinds[i] = string(k)
	}
	sort.Strings(kinds)
	return FindingOutput{
		ID:         f.ID,
		Category:   f.Category,
		Target:     f.Target,
		Members:    f.Members,
		Confidence: f.Confidence,
		Extractors: kinds,
		Status:     string(f.Status),
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shiori/internal/ctxutil"
	"github.com/ashita-ai/shiori/internal/model"
)

const (
	uriSources   = "shiori://sources"
	uriDocuments = "shiori://documents/current"
	uriRunPrefix = "shiori://runs/"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriSources,
			"Sources",
			mcplib.WithResourceDescription("Source modules and the context documents each one produces"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSources,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriDocuments,
			"Current Context Documents",
			mcplib.WithResourceDescription("The current version of every context document in your organization"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCurrentDocuments,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriRunPrefix+"{id}",
			"Run Status",
			mcplib.WithTemplateDescription("A run's status and full progress log"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRun,
	)
}

func (s *Server) handleSources(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(uriSources, s.pipeline.Modules())
}

func (s *Server) handleCurrentDocuments(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	orgID, err := requireOrg(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.pipeline.ListDocuments(ctx, orgID, model.DocumentFilter{})
	if err != nil {
		return nil, fmt.Errorf("mcp: current documents: %w", err)
	}
	if docs == nil {
		docs = []model.ContextDocument{}
	}
	return jsonContents(uriDocuments, docs)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	orgID, err := requireOrg(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseRunURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	view, err := s.pipeline.Status(ctx, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", id, err)
	}
	return jsonContents(request.Params.URI, view)
}

func requireOrg(ctx context.Context) (int64, error) {
	if ctxutil.ClaimsFromContext(ctx) == nil {
		return 0, errors.New("mcp: authentication required")
	}
	return ctxutil.OrgIDFromContext(ctx), nil
}

// parseRunURI extracts the run id from shiori://runs/{id}.
func parseRunURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, uriRunPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI %q", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid run id in %q: %w", uri, err)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

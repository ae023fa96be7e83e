// Package workspace extracts catalogs, schemas, tables and jobs from a
// data-platform workspace through its REST API.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/source"
)

const (
	defaultMaxTables = 500
	tablePageSize    = 50
	jobPageSize      = 25
	schemaWorkers    = 4
	promptBudget     = 60_000
)

// Credentials authenticate against a workspace.
type Credentials struct {
	Host  string `json:"host"`
	Token string `json:"token"`
}

// Config selects what to extract.
type Config struct {
	Catalogs    []string `json:"catalogs"`
	MaxTables   int      `json:"max_tables"`
	IncludeJobs bool     `json:"include_jobs"`
}

// Data is the extracted payload.
type Data struct {
	Host       string    `json:"host"`
	Catalogs   []Catalog `json:"catalogs"`
	Jobs       []Job     `json:"jobs,omitempty"`
	TableCount int       `json:"table_count"`
	Truncated  bool      `json:"truncated,omitempty"`
}

type Catalog struct {
	Name    string   `json:"name"`
	Schemas []Schema `json:"schemas"`
}

type Schema struct {
	Name   string  `json:"name"`
	Tables []Table `json:"tables"`
}

type Table struct {
	Name    string   `json:"name"`
	Type    string   `json:"table_type,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Columns []Column `json:"columns,omitempty"`
}

type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type_name"`
	Comment string `json:"comment,omitempty"`
}

type Job struct {
	ID       int64  `json:"job_id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
	Tasks    int    `json:"tasks"`
}

// Module is the workspace source.
type Module struct {
	client *source.Client
}

// New creates the workspace module.
func New(client *source.Client) *Module {
	return &Module{client: client}
}

var _ source.Module = (*Module)(nil)

// Identity implements source.Module.
func (m *Module) Identity() source.Identity {
	return source.Identity{
		Kind:         model.ModuleWorkspace,
		DisplayName:  "Data workspace",
		Description:  "Catalogs, schemas, tables and scheduled jobs of a data-platform workspace.",
		DocumentKeys: []model.DocumentKey{model.DocOverview, model.DocSchema, model.DocJobs},
	}
}

func decodeCredentials(raw map[string]any) (Credentials, error) {
	var c Credentials
	if err := source.Decode(raw, &c); err != nil {
		return c, fmt.Errorf("workspace credentials: %w", err)
	}
	if c.Host == "" || c.Token == "" {
		return c, fmt.Errorf("workspace credentials: host and token are required: %w", model.ErrValidation)
	}
	if !strings.Contains(c.Host, "://") {
		c.Host = "https://" + c.Host
	}
	c.Host = strings.TrimRight(c.Host, "/")
	if _, err := url.Parse(c.Host); err != nil {
		return c, fmt.Errorf("workspace credentials: host: %w: %w", model.ErrValidation, err)
	}
	return c, nil
}

func decodeConfig(raw map[string]any) (Config, error) {
	var c Config
	if err := source.Decode(raw, &c); err != nil {
		return c, fmt.Errorf("workspace config: %w", err)
	}
	if len(c.Catalogs) == 0 {
		return c, fmt.Errorf("workspace config: at least one catalog is required: %w", model.ErrValidation)
	}
	if c.MaxTables < 0 {
		return c, fmt.Errorf("workspace config: max_tables must not be negative: %w", model.ErrValidation)
	}
	if c.MaxTables == 0 {
		c.MaxTables = defaultMaxTables
	}
	return c, nil
}

func (m *Module) header(c Credentials) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + c.Token}}
}

// TestConnection implements source.Module.
func (m *Module) TestConnection(ctx context.Context, credentials map[string]any) (source.ConnectionResult, error) {
	creds, err := decodeCredentials(credentials)
	if err != nil {
		return source.ConnectionResult{}, err
	}
	var me struct {
		UserName string `json:"userName"`
	}
	if err := m.client.GetJSON(ctx, creds.Host+"/api/2.0/preview/scim/v2/Me", m.header(creds), &me); err != nil {
		if res, ok := source.ConnectionFailure(err); ok {
			return res, nil
		}
		return source.ConnectionResult{}, err
	}
	return source.ConnectionResult{Success: true, Message: "connected to " + creds.Host, Identity: me.UserName}, nil
}

// ValidateConfig implements source.Module.
func (m *Module) ValidateConfig(config map[string]any) error {
	_, err := decodeConfig(config)
	return err
}

// Extract implements source.Module.
func (m *Module) Extract(ctx context.Context, in source.ExtractInput, sink progress.Sink) (source.Extraction, error) {
	creds, err := decodeCredentials(in.Credentials)
	if err != nil {
		return source.Extraction{}, err
	}
	cfg, err := decodeConfig(in.Config)
	if err != nil {
		return source.Extraction{}, err
	}
	h := m.header(creds)
	data := Data{Host: creds.Host}

	sink.Emit("schemas", fmt.Sprintf("listing schemas in %d catalogs", len(cfg.Catalogs)), model.ProgressStarted)
	for _, name := range cfg.Catalogs {
		schemas, err := m.listSchemas(ctx, creds.Host, h, name)
		if err != nil {
			return source.Extraction{}, err
		}
		cat := Catalog{Name: name}
		for _, s := range schemas {
			cat.Schemas = append(cat.Schemas, Schema{Name: s})
		}
		data.Catalogs = append(data.Catalogs, cat)
	}
	sink.Emit("schemas", "schemas listed", model.ProgressCompleted)

	sink.Emit("tables", "listing tables", model.ProgressStarted)
	var (
		remaining atomic.Int64
		truncated atomic.Bool
		mu        sync.Mutex
	)
	remaining.Store(int64(cfg.MaxTables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(schemaWorkers)
	for ci := range data.Catalogs {
		for si := range data.Catalogs[ci].Schemas {
			cat, sch := data.Catalogs[ci].Name, data.Catalogs[ci].Schemas[si].Name
			g.Go(func() error {
				tables, cut, err := m.listTables(gctx, creds.Host, h, cat, sch, &remaining)
				if err != nil {
					return err
				}
				if cut {
					truncated.Store(true)
				}
				mu.Lock()
				data.Catalogs[ci].Schemas[si].Tables = tables
				data.TableCount += len(tables)
				mu.Unlock()
				sink.Emit("tables", fmt.Sprintf("%s.%s: %d tables", cat, sch, len(tables)), model.ProgressInProgress)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return source.Extraction{}, context.Cause(ctx)
		}
		return source.Extraction{}, err
	}
	data.Truncated = truncated.Load()
	sink.Emit("tables", fmt.Sprintf("%d tables listed", data.TableCount), model.ProgressCompleted)

	if cfg.IncludeJobs {
		sink.Emit("jobs", "listing jobs", model.ProgressStarted)
		jobs, err := m.listJobs(ctx, creds.Host, h)
		if err != nil {
			return source.Extraction{}, err
		}
		data.Jobs = jobs
		sink.Emit("jobs", fmt.Sprintf("%d jobs listed", len(jobs)), model.ProgressCompleted)
	} else {
		sink.Emit("jobs", "not requested", model.ProgressSkipped)
	}

	host := strings.TrimPrefix(strings.TrimPrefix(creds.Host, "https://"), "http://")
	return source.Extraction{Scope: "workspace:" + host, Data: data}, nil
}

func (m *Module) listSchemas(ctx context.Context, host string, h http.Header, catalog string) ([]string, error) {
	var names []string
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		q := url.Values{"catalog_name": {catalog}}
		if token != "" {
			q.Set("page_token", token)
		}
		var page struct {
			Schemas []struct {
				Name string `json:"name"`
			} `json:"schemas"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := m.client.GetJSON(ctx, host+"/api/2.1/unity-catalog/schemas?"+q.Encode(), h, &page); err != nil {
			return nil, fmt.Errorf("list schemas of %s: %w", catalog, err)
		}
		for _, s := range page.Schemas {
			names = append(names, s.Name)
		}
		if page.NextPageToken == "" {
			return names, nil
		}
		token = page.NextPageToken
	}
}

// listTables pages through a schema's tables, drawing from the shared
// remaining budget. cut reports whether the budget ended the listing early.
func (m *Module) listTables(ctx context.Context, host string, h http.Header, catalog, schema string, remaining *atomic.Int64) (tables []Table, cut bool, err error) {
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, context.Cause(ctx)
		}
		q := url.Values{
			"catalog_name": {catalog},
			"schema_name":  {schema},
			"max_results":  {fmt.Sprint(tablePageSize)},
		}
		if token != "" {
			q.Set("page_token", token)
		}
		var page struct {
			Tables []struct {
				Name      string `json:"name"`
				TableType string `json:"table_type"`
				Comment   string `json:"comment"`
				Columns   []struct {
					Name     string `json:"name"`
					TypeName string `json:"type_name"`
					Comment  string `json:"comment"`
				} `json:"columns"`
			} `json:"tables"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := m.client.GetJSON(ctx, host+"/api/2.1/unity-catalog/tables?"+q.Encode(), h, &page); err != nil {
			return nil, false, fmt.Errorf("list tables of %s.%s: %w", catalog, schema, err)
		}
		for _, t := range page.Tables {
			if remaining.Add(-1) < 0 {
				return tables, true, nil
			}
			table := Table{Name: t.Name, Type: t.TableType, Comment: t.Comment}
			for _, c := range t.Columns {
				table.Columns = append(table.Columns, Column{Name: c.Name, Type: c.TypeName, Comment: c.Comment})
			}
			tables = append(tables, table)
		}
		if page.NextPageToken == "" {
			return tables, false, nil
		}
		token = page.NextPageToken
	}
}

func (m *Module) listJobs(ctx context.Context, host string, h http.Header) ([]Job, error) {
	var jobs []Job
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		q := url.Values{"limit": {fmt.Sprint(jobPageSize)}}
		if token != "" {
			q.Set("page_token", token)
		}
		var page struct {
			Jobs []struct {
				JobID    int64 `json:"job_id"`
				Settings struct {
					Name     string `json:"name"`
					Schedule *struct {
						Cron string `json:"quartz_cron_expression"`
					} `json:"schedule"`
					Tasks []json.RawMessage `json:"tasks"`
				} `json:"settings"`
			} `json:"jobs"`
			HasMore       bool   `json:"has_more"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := m.client.GetJSON(ctx, host+"/api/2.1/jobs/list?"+q.Encode(), h, &page); err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		for _, j := range page.Jobs {
			job := Job{ID: j.JobID, Name: j.Settings.Name, Tasks: len(j.Settings.Tasks)}
			if j.Settings.Schedule != nil {
				job.Schedule = j.Settings.Schedule.Cron
			}
			jobs = append(jobs, job)
		}
		if !page.HasMore || page.NextPageToken == "" {
			return jobs, nil
		}
		token = page.NextPageToken
	}
}

const systemPrompt = "You document data platforms for engineers joining a team. " +
	"Write concise Markdown grounded only in the metadata provided. Do not invent tables, columns or jobs."

// GenerateContext implements source.Module.
func (m *Module) GenerateContext(ctx context.Context, extracted json.RawMessage, gen source.Generator, sink progress.Sink) ([]model.GeneratedDocument, error) {
	var data Data
	if err := json.Unmarshal(extracted, &data); err != nil {
		return nil, fmt.Errorf("decode workspace data: %w", err)
	}

	var overview strings.Builder
	fmt.Fprintf(&overview, "Workspace %s: %d tables", data.Host, data.TableCount)
	if data.Truncated {
		overview.WriteString(" (listing truncated)")
	}
	fmt.Fprintf(&overview, ", %d jobs.\n", len(data.Jobs))
	for _, c := range data.Catalogs {
		fmt.Fprintf(&overview, "- catalog %s:", c.Name)
		for _, s := range c.Schemas {
			fmt.Fprintf(&overview, " %s(%d)", s.Name, len(s.Tables))
		}
		overview.WriteString("\n")
	}

	schemaJSON, err := json.Marshal(data.Catalogs)
	if err != nil {
		return nil, err
	}
	plans := []source.DocumentPlan{
		{
			Key:    model.DocOverview,
			System: systemPrompt,
			Prompt: "Write an overview of this workspace: what domains it covers and how it is organized.\n\n" + overview.String(),
		},
		{
			Key:    model.DocSchema,
			System: systemPrompt,
			Prompt: "Describe the important tables and how they relate, grouped by catalog and schema.\n\n" +
				source.Truncate(string(schemaJSON), promptBudget),
		},
	}
	if len(data.Jobs) > 0 {
		jobsJSON, err := json.Marshal(data.Jobs)
		if err != nil {
			return nil, err
		}
		plans = append(plans, source.DocumentPlan{
			Key:    model.DocJobs,
			System: systemPrompt,
			Prompt: "Describe the scheduled jobs, what they likely maintain, and when they run.\n\n" +
				source.Truncate(string(jobsJSON), promptBudget),
		})
	}
	return source.GenerateDocuments(ctx, gen, sink, plans)
}

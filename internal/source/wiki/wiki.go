// Package wiki extracts the pages of one wiki space, converting storage
// format to text, for glossary and process documentation.
package wiki

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/source"
)

const (
	pageSize        = 50
	defaultMaxPages = 200
	maxPageText     = 20_000
	promptBudget    = 80_000
)

// Credentials authenticate against the wiki with basic auth.
type Credentials struct {
	BaseURL  string `json:"base_url"`
	Email    string `json:"email"`
	APIToken string `json:"api_token"`
}

// Config selects the space and pages.
type Config struct {
	SpaceKey string   `json:"space_key"`
	MaxPages int      `json:"max_pages"`
	Labels   []string `json:"labels"`
}

// Data is the extracted payload.
type Data struct {
	SpaceKey    string `json:"space_key"`
	SpaceName   string `json:"space_name"`
	Description string `json:"description,omitempty"`
	Pages       []Page `json:"pages"`
	Truncated   bool   `json:"truncated,omitempty"`
}

type Page struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Labels []string `json:"labels,omitempty"`
	Text   string   `json:"text"`
}

// Module is the wiki source.
type Module struct {
	client *source.Client
}

// New creates the wiki module.
func New(client *source.Client) *Module {
	return &Module{client: client}
}

var _ source.Module = (*Module)(nil)

// Identity implements source.Module.
func (m *Module) Identity() source.Identity {
	return source.Identity{
		Kind:         model.ModuleWiki,
		DisplayName:  "Wiki space",
		Description:  "Pages of a wiki space, used for glossary and process documentation.",
		DocumentKeys: []model.DocumentKey{model.DocOverview, model.DocGlossary, model.DocProcesses},
	}
}

func decodeCredentials(raw map[string]any) (Credentials, error) {
	var c Credentials
	if err := source.Decode(raw, &c); err != nil {
		return c, fmt.Errorf("wiki credentials: %w", err)
	}
	if c.BaseURL == "" || c.Email == "" || c.APIToken == "" {
		return c, fmt.Errorf("wiki credentials: base_url, email and api_token are required: %w", model.ErrValidation)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return c, fmt.Errorf("wiki credentials: base_url %q is not an absolute url: %w", c.BaseURL, model.ErrValidation)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c, nil
}

func decodeConfig(raw map[string]any) (Config, error) {
	var c Config
	if err := source.Decode(raw, &c); err != nil {
		return c, fmt.Errorf("wiki config: %w", err)
	}
	if c.SpaceKey == "" {
		return c, fmt.Errorf("wiki config: space_key is required: %w", model.ErrValidation)
	}
	if c.MaxPages < 0 {
		return c, fmt.Errorf("wiki config: max_pages must not be negative: %w", model.ErrValidation)
	}
	if c.MaxPages == 0 {
		c.MaxPages = defaultMaxPages
	}
	return c, nil
}

func header(c Credentials) http.Header {
	basic := base64.StdEncoding.EncodeToString([]byte(c.Email + ":" + c.APIToken))
	return http.Header{"Authorization": []string{"Basic " + basic}}
}

// TestConnection implements source.Module.
func (m *Module) TestConnection(ctx context.Context, credentials map[string]any) (source.ConnectionResult, error) {
	creds, err := decodeCredentials(credentials)
	if err != nil {
		return source.ConnectionResult{}, err
	}
	var user struct {
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
	}
	if err := m.client.GetJSON(ctx, creds.BaseURL+"/rest/api/user/current", header(creds), &user); err != nil {
		if res, ok := source.ConnectionFailure(err); ok {
			return res, nil
		}
		return source.ConnectionResult{}, err
	}
	who := user.DisplayName
	if who == "" {
		who = user.Email
	}
	return source.ConnectionResult{Success: true, Message: "connected to " + creds.BaseURL, Identity: who}, nil
}

// ValidateConfig implements source.Module.
func (m *Module) ValidateConfig(config map[string]any) error {
	_, err := decodeConfig(config)
	return err
}

type contentPage struct {
	Results []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Body  struct {
			Storage struct {
				Value string `json:"value"`
			} `json:"storage"`
		} `json:"body"`
		Metadata struct {
			Labels struct {
				Results []struct {
					Name string `json:"name"`
				} `json:"results"`
			} `json:"labels"`
		} `json:"metadata"`
	} `json:"results"`
	Size  int `json:"size"`
	Links struct {
		Next string `json:"next"`
	} `json:"_links"`
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
	h := header(creds)

	sink.Emit("space", "reading space "+cfg.SpaceKey, model.ProgressStarted)
	var space struct {
		Key         string `json:"key"`
		Name        string `json:"name"`
		Description struct {
			Plain struct {
				Value string `json:"value"`
			} `json:"plain"`
		} `json:"description"`
	}
	if err := m.client.GetJSON(ctx, creds.BaseURL+"/rest/api/space/"+url.PathEscape(cfg.SpaceKey)+"?expand=description.plain", h, &space); err != nil {
		return source.Extraction{}, fmt.Errorf("read space %s: %w", cfg.SpaceKey, err)
	}
	data := Data{SpaceKey: cfg.SpaceKey, SpaceName: space.Name, Description: space.Description.Plain.Value}
	sink.Emit("space", space.Name, model.ProgressCompleted)

	sink.Emit("pages", "reading pages", model.ProgressStarted)
	for start := 0; ; start += pageSize {
		if err := ctx.Err(); err != nil {
			return source.Extraction{}, context.Cause(ctx)
		}
		q := url.Values{
			"spaceKey": {cfg.SpaceKey},
			"type":     {"page"},
			"start":    {fmt.Sprint(start)},
			"limit":    {fmt.Sprint(pageSize)},
			"expand":   {"body.storage,metadata.labels"},
		}
		var page contentPage
		if err := m.client.GetJSON(ctx, creds.BaseURL+"/rest/api/content?"+q.Encode(), h, &page); err != nil {
			return source.Extraction{}, fmt.Errorf("read pages of %s: %w", cfg.SpaceKey, err)
		}
		for i, r := range page.Results {
			var labels []string
			for _, l := range r.Metadata.Labels.Results {
				labels = append(labels, l.Name)
			}
			if len(cfg.Labels) > 0 && !slices.ContainsFunc(labels, func(l string) bool { return slices.Contains(cfg.Labels, l) }) {
				continue
			}
			text, err := storageToText(r.Body.Storage.Value)
			if err != nil {
				sink.Emit("pages", fmt.Sprintf("skipped %q: %v", r.Title, err), model.ProgressSkipped)
				continue
			}
			data.Pages = append(data.Pages, Page{ID: r.ID, Title: r.Title, Labels: labels, Text: source.Truncate(text, maxPageText)})
			if len(data.Pages) >= cfg.MaxPages {
				data.Truncated = i < len(page.Results)-1 || page.Links.Next != ""
				break
			}
		}
		sink.Emit("pages", fmt.Sprintf("%d pages read", len(data.Pages)), model.ProgressInProgress)
		if len(data.Pages) >= cfg.MaxPages || page.Links.Next == "" || len(page.Results) == 0 {
			break
		}
	}
	sink.Emit("pages", fmt.Sprintf("%d pages extracted", len(data.Pages)), model.ProgressCompleted)

	return source.Extraction{Scope: "wiki:" + cfg.SpaceKey, Data: data}, nil
}

const systemPrompt = "You write onboarding documentation from a team's wiki. " +
	"Use concise Markdown and only facts present in the pages provided."

// GenerateContext implements source.Module.
func (m *Module) GenerateContext(ctx context.Context, extracted json.RawMessage, gen source.Generator, sink progress.Sink) ([]model.GeneratedDocument, error) {
	var data Data
	if err := json.Unmarshal(extracted, &data); err != nil {
		return nil, fmt.Errorf("decode wiki data: %w", err)
	}

	var titles, corpus strings.Builder
	for _, p := range data.Pages {
		fmt.Fprintf(&titles, "- %s\n", p.Title)
		fmt.Fprintf(&corpus, "## %s\n%s\n\n", p.Title, p.Text)
	}
	pages := source.Truncate(corpus.String(), promptBudget)
	header := fmt.Sprintf("Space %s (%s). %s\n\n", data.SpaceName, data.SpaceKey, data.Description)

	return source.GenerateDocuments(ctx, gen, sink, []source.DocumentPlan{
		{
			Key:    model.DocOverview,
			System: systemPrompt,
			Prompt: header + "Write an overview of what this team owns and documents, based on these page titles:\n" + titles.String(),
		},
		{
			Key:    model.DocGlossary,
			System: systemPrompt,
			Prompt: header + "Extract a glossary of team-specific terms and acronyms with one-line definitions.\n\n" + pages,
		},
		{
			Key:    model.DocProcesses,
			System: systemPrompt,
			Prompt: header + "Summarize the recurring processes (releases, on-call, reviews) as short step lists.\n\n" + pages,
		},
	})
}

package source

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
)

// PhaseGenerate is the progress phase used while documents are written.
const PhaseGenerate = "generate"

// DocumentPlan is one document a module wants written.
type DocumentPlan struct {
	Key    model.DocumentKey
	System string
	Prompt string
}

// GenerateDocuments writes the planned documents in order, one LLM call each,
// checking ctx before every call.
func GenerateDocuments(ctx context.Context, gen Generator, sink progress.Sink, plans []DocumentPlan) ([]model.GeneratedDocument, error) {
	docs := make([]model.GeneratedDocument, 0, len(plans))
	for i, p := range plans {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		sink.Emit(PhaseGenerate, fmt.Sprintf("writing %s (%d/%d)", p.Key, i+1, len(plans)), model.ProgressInProgress)

		resp, err := gen.Complete(ctx, p.System, p.Prompt)
		if err != nil {
			sink.Emit(PhaseGenerate, fmt.Sprintf("%s failed", p.Key), model.ProgressFailed)
			return nil, fmt.Errorf("generate %s: %w", p.Key, err)
		}
		docs = append(docs, model.GeneratedDocument{
			Key:          p.Key,
			Name:         p.Key.Title(),
			Content:      strings.TrimSpace(resp.Text),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		})
	}
	sink.Emit(PhaseGenerate, fmt.Sprintf("%d documents written", len(docs)), model.ProgressCompleted)
	return docs, nil
}

// Truncate shortens s to at most n bytes on a rune boundary, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}

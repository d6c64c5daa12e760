package memes

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/nugget/moodmender/internal/config"
	"github.com/nugget/moodmender/internal/llm"
	"github.com/nugget/moodmender/internal/prompts"
)

const maxPremiseWords = 12

// Result is one generated meme. Exactly one of URL and Err is
// meaningful.
type Result struct {
	URL          string `json:"url,omitempty"`
	TemplateName string `json:"template_name"`
	Err          error  `json:"-"`
}

// String is the display value: the URL on success, "Error: <msg>" when
// the provider refused, "API Error: <err>" on transport failure.
func (r Result) String() string {
	if r.Err == nil {
		return r.URL
	}
	var pe *ProviderError
	if errors.As(r.Err, &pe) {
		return "Error: " + pe.Message
	}
	return "API Error: " + r.Err.Error()
}

// OK reports whether the meme was rendered.
func (r Result) OK() bool { return r.Err == nil }

// Strings renders every result with String.
func Strings(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.String()
	}
	return out
}

var premiseSchema = llm.ToolDef{
	Name:        "meme_premise",
	Description: "Record the humorous premise of the meme.",
	Properties: map[string]any{
		"premise": map[string]any{
			"type":        "string",
			"description": "The joke behind the meme in 5 to 12 words.",
		},
	},
	Required: []string{"premise"},
}

// Generator runs the template, premise, caption and render pipeline.
type Generator struct {
	provider     Provider
	client       llm.Client
	model        string
	sampling     string
	defaultCount int
	logger       *slog.Logger

	// perm returns a random permutation of [0, n).
	perm func(n int) []int
}

// NewGenerator returns a Generator. sampling is config.SamplingCatalog
// or config.SamplingSingle.
func NewGenerator(provider Provider, client llm.Client, model, sampling string, defaultCount int, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultCount <= 0 {
		defaultCount = 2
	}
	return &Generator{
		provider:     provider,
		client:       client,
		model:        model,
		sampling:     sampling,
		defaultCount: defaultCount,
		logger:       logger.With("component", "memes"),
		perm:         rand.Perm,
	}
}

// SampleSize is how many templates a request for requested memes uses
// from a catalog of catalogSize.
func (g *Generator) SampleSize(requested, catalogSize int) int {
	if requested <= 0 {
		requested = g.defaultCount
	}
	if g.sampling == config.SamplingSingle {
		return min(1, requested, catalogSize)
	}
	return min(requested, catalogSize)
}

// Generate makes up to count memes about convContext. It always returns
// at least one result; failures are carried in the results.
func (g *Generator) Generate(ctx context.Context, convContext string, count int) []Result {
	templates, err := g.provider.Templates(ctx)
	if err != nil {
		g.logger.Warn("template catalog unavailable", "error", err)
		templates = nil
	}
	if len(templates) == 0 {
		return []Result{{Err: &ProviderError{Message: "No templates available"}}}
	}

	n := g.SampleSize(count, len(templates))
	picks := g.perm(len(templates))[:n]

	results := make([]Result, 0, n)
	for _, i := range picks {
		results = append(results, g.one(ctx, templates[i], convContext))
	}
	return results
}

func (g *Generator) one(ctx context.Context, tmpl Template, convContext string) Result {
	premise := g.premise(ctx, tmpl, convContext)

	captions, err := g.captions(ctx, tmpl, premise, convContext)
	if err != nil {
		g.logger.Warn("caption generation failed", "template", tmpl.Name, "error", err)
		return Result{TemplateName: tmpl.Name, Err: err}
	}

	url, err := g.provider.Caption(ctx, tmpl, captions)
	if err != nil {
		g.logger.Warn("meme render failed", "template", tmpl.Name, "error", err)
		return Result{TemplateName: tmpl.Name, Err: err}
	}

	g.logger.Info("meme generated", "template", tmpl.Name, "captions", len(captions), "url", url)
	return Result{URL: url, TemplateName: tmpl.Name}
}

// premise asks for the joke angle; on failure the raw context stands in.
func (g *Generator) premise(ctx context.Context, tmpl Template, convContext string) string {
	var out struct {
		Premise string `json:"premise"`
	}
	err := llm.CompleteJSON(ctx, g.client, g.model, prompts.PremisePrompt(tmpl.Name, convContext), premiseSchema, &out)
	if err != nil {
		g.logger.Debug("premise generation failed, using context", "template", tmpl.Name, "error", err)
		return convContext
	}
	words := strings.Fields(out.Premise)
	if len(words) == 0 {
		return convContext
	}
	if len(words) > maxPremiseWords {
		words = words[:maxPremiseWords]
	}
	return strings.Join(words, " ")
}

func (g *Generator) captions(ctx context.Context, tmpl Template, premise, convContext string) ([]string, error) {
	text, err := llm.Complete(ctx, g.client, g.model, prompts.CaptionPrompt(tmpl.Name, tmpl.BoxCount, premise, convContext))
	if err != nil {
		return nil, err
	}
	return ExtractCaptions(text, tmpl.BoxCount), nil
}

// ExtractCaptions splits text into trimmed, non-empty lines and keeps at
// most boxCount of them. Short output is not padded.
func ExtractCaptions(text string, boxCount int) []string {
	if boxCount <= 0 {
		return nil
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == boxCount {
			break
		}
	}
	return out
}

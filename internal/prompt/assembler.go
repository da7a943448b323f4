package prompt

import (
	"context"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/roomstudio/roomstudio/internal/models"
)

const (
	qualitySuffix  = ", high-end interior design, 8k, high quality, architectural digest"
	negativePrompt = "blurry, low quality, distorted, deformed furniture, watermark, text, people"
	maxNotesRunes  = 500

	SourceTemplate = "template"
	SourceExpert   = "expert"
)

// Strengths for the img2img model. Higher keeps more of the original photo.
var creativityStrength = map[models.CreativityLevel]float64{
	models.CreativitySubtle:   0.75,
	models.CreativityBalanced: 0.60,
}

// Models names the inference models a plan can select.
type Models struct {
	// Restyle keeps the room layout and takes a strength parameter
	Restyle string
	// Creative is a free-form model used for the creative level
	Creative string
}

// Plan is the assembled prompt and model selection for one request.
type Plan struct {
	Prompt         string
	NegativePrompt string
	Model          string
	Creativity     models.CreativityLevel
	Strength       *float64
	Source         string
}

// Input builds the model input parameters around the stored input image.
func (p Plan) Input(imageURL string) map[string]any {
	input := map[string]any{
		"image":  imageURL,
		"prompt": p.Prompt,
	}
	if p.Strength != nil {
		input["image_strength"] = *p.Strength
		input["negative_prompt"] = p.NegativePrompt
	}
	return input
}

// Expert rewrites a template prompt into a richer one.
type Expert interface {
	Rewrite(ctx context.Context, basePrompt string, req models.GenerationRequest) (string, error)
}

// Assembler turns a request into a Plan. The expert is optional and always has the template to fall back on.
type Assembler struct {
	models        Models
	expert        Expert
	expertTimeout time.Duration
	logger        *slog.Logger
}

type Option func(*Assembler)

func WithExpert(expert Expert, timeout time.Duration) Option {
	return func(a *Assembler) {
		a.expert = expert
		a.expertTimeout = timeout
	}
}

func NewAssembler(m Models, opts ...Option) *Assembler {
	a := &Assembler{models: m, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build never returns an empty prompt.
func (a *Assembler) Build(ctx context.Context, req models.GenerationRequest) Plan {
	plan := Parameters(req.CreativityLevel, a.models)
	plan.Prompt = Template(req)
	plan.NegativePrompt = negativePrompt
	plan.Source = SourceTemplate

	if a.expert == nil {
		return plan
	}

	expertCtx := ctx
	if a.expertTimeout > 0 {
		var cancel context.CancelFunc
		expertCtx, cancel = context.WithTimeout(ctx, a.expertTimeout)
		defer cancel()
	}

	rewritten, err := a.expert.Rewrite(expertCtx, plan.Prompt, req)
	rewritten = strings.TrimSpace(rewritten)
	switch {
	case err != nil:
		a.logger.Warn("Expert prompt failed, using template", "attemptID", req.AttemptID, "error", err)
	case rewritten == "":
		a.logger.Warn("Expert prompt was empty, using template", "attemptID", req.AttemptID)
	case !strings.Contains(rewritten, strings.TrimSpace(req.Style)) || !strings.Contains(rewritten, strings.TrimSpace(req.RoomType)):
		a.logger.Warn("Expert prompt dropped the style or room type, using template", "attemptID", req.AttemptID)
	default:
		plan.Prompt = rewritten
		plan.Source = SourceExpert
	}
	return plan
}

// ResolveCreativity maps any input onto a known level. Unknown and empty values become balanced.
func ResolveCreativity(level models.CreativityLevel) models.CreativityLevel {
	switch normalized := models.CreativityLevel(strings.ToLower(strings.TrimSpace(string(level)))); normalized {
	case models.CreativitySubtle, models.CreativityBalanced, models.CreativityCreative:
		return normalized
	default:
		return models.CreativityBalanced
	}
}

// Parameters selects the model and strength for a creativity level.
func Parameters(level models.CreativityLevel, m Models) Plan {
	resolved := ResolveCreativity(level)
	if resolved == models.CreativityCreative {
		return Plan{Model: m.Creative, Creativity: resolved}
	}
	strength := creativityStrength[resolved]
	return Plan{Model: m.Restyle, Creativity: resolved, Strength: &strength}
}

// Template renders the direct prompt. Style and room type appear verbatim, absent optional fields are left out.
func Template(req models.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("A photorealistic ")
	b.WriteString(strings.TrimSpace(req.Style))
	b.WriteString(" ")
	b.WriteString(strings.TrimSpace(req.RoomType))

	if v := strings.TrimSpace(req.SpaceType); v != "" {
		b.WriteString(" in a ")
		b.WriteString(v)
	}
	if v := strings.TrimSpace(req.Lighting); v != "" {
		b.WriteString(", lighting: ")
		b.WriteString(v)
	}
	if v := strings.TrimSpace(req.Materials); v != "" {
		b.WriteString(", materials: ")
		b.WriteString(v)
	}
	if v := strings.TrimSpace(req.Furniture); v != "" {
		b.WriteString(", furniture: ")
		b.WriteString(v)
	}
	b.WriteString(qualitySuffix)
	if notes := SanitizeNotes(req.Notes); notes != "" {
		b.WriteString(". Additional details: ")
		b.WriteString(notes)
	}
	return b.String()
}

var notesPolicy = bluemonday.StrictPolicy()

// SanitizeNotes strips markup, collapses whitespace and caps the length of free-text notes.
func SanitizeNotes(notes string) string {
	text := html.UnescapeString(notesPolicy.Sanitize(notes))
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > maxNotesRunes {
		text = string([]rune(text)[:maxNotesRunes])
	}
	return text
}

// Package analysis turns a patient's debounced message buffer into one
// structured analysis and hands the result to the side-effect dispatcher.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// ErrMalformedResult is returned when the analysis function's output cannot be
// decoded into a valid AnalysisResult.
var ErrMalformedResult = errors.New("malformed analysis result")

// Analyzer is the analysis function.
type Analyzer interface {
	Analyze(ctx context.Context, text string, pc PatientContext) (models.AnalysisResult, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, text string, pc PatientContext) (models.AnalysisResult, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, text string, pc PatientContext) (models.AnalysisResult, error) {
	return f(ctx, text, pc)
}

// Completer returns a JSON object for a system and user prompt.
// *genai.Client implements it.
type Completer interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// LLMAnalyzer implements Analyzer on a chat model in JSON mode.
type LLMAnalyzer struct {
	llm Completer
	log *logger.Logger
}

// NewLLMAnalyzer creates an analyzer backed by llm.
func NewLLMAnalyzer(llm Completer, log *logger.Logger) *LLMAnalyzer {
	if log == nil {
		log = logger.NewNop()
	}
	return &LLMAnalyzer{llm: llm, log: log}
}

const systemPrompt = `You analyze messages that a patient in a remote care program sent to their care team.
Return one JSON object with exactly these fields:
{
  "sentiment": "positive|neutral|negative",
  "riskLevel": "LOW|MEDIUM|HIGH|CRITICAL",
  "summary": "one or two sentences for the care team",
  "shouldReply": true|false,
  "suggestedReply": "short reply to the patient, empty when shouldReply is false",
  "handoffRequired": true|false,
  "checkInSatisfied": true|false,
  "extractedObservations": [{"activityType": "WEIGHT|MOOD|MEALS|DIET_ADHERENCE|STEPS|VISIT|CUSTOM|TEXT|PHOTO", "value": {"number": 0} | {"text": ""} | {"bool": true}, "unit": ""}]
}
Set handoffRequired when a human must take over the conversation.
Set checkInSatisfied when the messages answer one of today's activities and list each answered value in extractedObservations.
Return only JSON.`

// Analyze builds the prompt from text and pc and parses the model's answer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, text string, pc PatientContext) (models.AnalysisResult, error) {
	raw, err := a.llm.GenerateJSON(ctx, systemPrompt, userPrompt(text, pc))
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("analyze: %w", err)
	}
	result, err := ParseResult(raw)
	if err != nil {
		a.log.Warn("LLMAnalyzer.Analyze: unusable model output", "patientID", pc.PatientID, "error", err, "length", len(raw))
		return models.AnalysisResult{}, err
	}
	return result, nil
}

func userPrompt(text string, pc PatientContext) string {
	var b strings.Builder
	b.WriteString("Patient context:\n")
	b.WriteString(pc.Render())
	b.WriteString("\nMessages:\n")
	b.WriteString(text)
	return b.String()
}

// ParseResult decodes and validates a JSON analysis result.
func ParseResult(raw string) (models.AnalysisResult, error) {
	var r models.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if err := r.Validate(); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	return r, nil
}

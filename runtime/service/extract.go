package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/pipeline"
)

// candidate is one extracted memory before persistence.
type candidate struct {
	Summary       string   `json:"summary"`
	CategoryHints []string `json:"category_hints"`
	MemoryType    string   `json:"-"`
}

// extractionSchemaJSON constrains the extraction model output: a JSON array
// of {summary, category_hints[]} objects.
const extractionSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["summary"],
		"properties": {
			"summary": {"type": "string", "minLength": 1},
			"category_hints": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}
}`

var (
	extractionSchemaOnce sync.Once
	extractionSchema     *jsonschema.Schema
	extractionSchemaErr  error
)

func compiledExtractionSchema() (*jsonschema.Schema, error) {
	extractionSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(extractionSchemaJSON), &doc); err != nil {
			extractionSchemaErr = fmt.Errorf("decoding extraction schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("extraction.json", doc); err != nil {
			extractionSchemaErr = fmt.Errorf("adding extraction schema: %w", err)
			return
		}
		extractionSchema, extractionSchemaErr = compiler.Compile("extraction.json")
	})
	return extractionSchema, extractionSchemaErr
}

// extractItems prompts the chat model once per configured memory type and
// collects the schema-valid candidates. A type whose output fails to parse
// or validate is logged and skipped; the step fails with ExtractionFailed
// only when every type failed.
func (s *Service) extractItems(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	caption, _ := state.String(keyCaption)
	step := state.CurrentStep()
	client, _, err := s.chatFor(step)
	if err != nil {
		return nil, err
	}

	var (
		candidates []candidate
		usable     int
	)
	for _, memoryType := range s.cfg.Memorize.MemoryTypes {
		prompt := s.cfg.Memorize.MemoryTypePrompts[memoryType]
		if prompt == "" {
			prompt = defaultExtractPrompt(memoryType)
		}
		var raw string
		err := s.upstream(ctx, memory.KindExtractionFailed, "extracting "+memoryType+" memories", func(ctx context.Context) error {
			var cerr error
			raw, _, cerr = client.Chat(ctx, []llm.Message{
				{Role: llm.RoleSystem, Content: prompt},
				{Role: llm.RoleUser, Content: caption},
			}, llm.Options{})
			return cerr
		})
		if err != nil {
			if memory.IsKind(err, memory.KindCancelled) {
				return nil, err
			}
			s.logger.Warn(ctx, "memory extraction call failed", "memory_type", memoryType, "err", err)
			continue
		}
		parsed, err := parseCandidates(raw)
		if err != nil {
			s.logger.Warn(ctx, "discarding unparseable extraction output", "memory_type", memoryType, "err", err)
			continue
		}
		usable++
		for i := range parsed {
			parsed[i].MemoryType = memoryType
		}
		candidates = append(candidates, parsed...)
	}
	if usable == 0 {
		return nil, memory.E(memory.KindExtractionFailed, "no memory type produced usable output")
	}
	state[keyCandidates] = candidates
	return state, nil
}

// parseCandidates decodes and schema-validates one extraction response.
func parseCandidates(raw string) ([]candidate, error) {
	raw = stripFences(raw)
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding extraction output: %w", err)
	}
	schema, err := compiledExtractionSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validating extraction output: %w", err)
	}
	var out []candidate
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding extraction output: %w", err)
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence, which chat models
// add around JSON despite instructions.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

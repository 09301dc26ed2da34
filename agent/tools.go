package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gamma-omg/docqa/engine"
	"github.com/gamma-omg/docqa/geocode"
)

// OpenFunc yields the index to query. It is called once per invocation so
// every call sees the latest published generation.
type OpenFunc func(ctx context.Context) (engine.Retriever, error)

type Querier interface {
	Query(ctx context.Context, idx engine.Retriever, question string) (string, error)
}

type RetrievalTool struct {
	open  OpenFunc
	query Querier
}

func NewRetrievalTool(open OpenFunc, query Querier) *RetrievalTool {
	return &RetrievalTool{open: open, query: query}
}

func (t *RetrievalTool) Name() string { return "ask_question" }

func (t *RetrievalTool) Description() string {
	return "Answers a question using the indexed user documents."
}

func (t *RetrievalTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "The question to answer from the documents."},
		},
		"required": []string{"query"},
	}
}

func (t *RetrievalTool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", errors.New("query is required")
	}

	idx, err := t.open(ctx)
	if err != nil {
		return "", err
	}

	return t.query.Query(ctx, idx, args.Query)
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (*geocode.Location, error)
}

type GeocodeTool struct {
	geocoder Geocoder
}

func NewGeocodeTool(g Geocoder) *GeocodeTool {
	return &GeocodeTool{geocoder: g}
}

func (t *GeocodeTool) Name() string { return "getAddressComponents" }

func (t *GeocodeTool) Description() string {
	return "Fetches address components such as latitude, longitude, city, state, postal code and country for a given address."
}

func (t *GeocodeTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"address": map[string]any{"type": "string", "description": "The full address to parse."},
		},
		"required": []string{"address"},
	}
}

func (t *GeocodeTool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Address) == "" {
		return "", errors.New("address is required")
	}

	loc, err := t.geocoder.Geocode(ctx, args.Address)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(loc)
	if err != nil {
		return "", fmt.Errorf("failed to encode location: %w", err)
	}

	return string(raw), nil
}

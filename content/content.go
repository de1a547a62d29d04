// Package content serves the static discovery surfaces: reference resources
// readable over resources/read and prompt templates retrievable over
// prompts/get. Everything here is compiled in; there is no dynamic content.
package content

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vantagedata/vantage-mcp/mcp"
)

var (
	// ErrResourceNotFound indicates no resource exists at the URI.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrPromptNotFound indicates no prompt is registered under the name.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrMissingPromptArgument indicates a required prompt argument was omitted.
	ErrMissingPromptArgument = errors.New("missing prompt argument")
)

const queryReference = `# Vantage Query Language Reference

Queries are evaluated against a single dataset and return tabular rows.

## Core functions

- SUM(column): arithmetic sum over the current filter context.
- AVERAGE(column): arithmetic mean over the current filter context.
- COUNT(column): number of non-blank values.
- DISTINCTCOUNT(column): number of unique values.
- FILTER(table, predicate): returns the subset of rows matching predicate.
- SUMMARIZE(table, groupColumns..., name, expression): grouped aggregation.
- TOPN(n, table, orderBy): the first n rows by orderBy, descending.

## Examples

Total revenue:

    EVALUATE ROW("Revenue", SUM(Sales[Amount]))

Revenue by region, top five:

    EVALUATE TOPN(5, SUMMARIZE(Sales, Sales[Region], "Revenue", SUM(Sales[Amount])), [Revenue])

## Notes

- Column references use Table[Column] syntax.
- String literals use double quotes.
- Query results are capped by the backend; page with TOPN when in doubt.
`

const sampleQueries = `{
  "samples": [
    {
      "name": "total_revenue",
      "description": "Total revenue across all rows",
      "query": "EVALUATE ROW(\"Revenue\", SUM(Sales[Amount]))"
    },
    {
      "name": "revenue_by_region",
      "description": "Revenue grouped by region",
      "query": "EVALUATE SUMMARIZE(Sales, Sales[Region], \"Revenue\", SUM(Sales[Amount]))"
    },
    {
      "name": "top_products",
      "description": "Five best-selling products",
      "query": "EVALUATE TOPN(5, SUMMARIZE(Sales, Sales[Product], \"Units\", SUM(Sales[Quantity])), [Units])"
    }
  ]
}`

type resourceEntry struct {
	descriptor mcp.Resource
	text       string
}

var resourceTable = []resourceEntry{
	{
		descriptor: mcp.Resource{
			URI:         "vantage://reference/query-language",
			Name:        "Query language reference",
			Description: "Functions and syntax accepted by vantage_query",
			MimeType:    "text/markdown",
		},
		text: queryReference,
	},
	{
		descriptor: mcp.Resource{
			URI:         "vantage://reference/sample-queries",
			Name:        "Sample query library",
			Description: "Ready-to-run example queries",
			MimeType:    "application/json",
		},
		text: sampleQueries,
	},
}

// Resources lists the available resource descriptors.
func Resources() []mcp.Resource {
	out := make([]mcp.Resource, len(resourceTable))
	for i, e := range resourceTable {
		out[i] = e.descriptor
	}
	return out
}

// ReadResource returns the contents of the resource at uri.
func ReadResource(uri string) (*mcp.ResourceContents, error) {
	for _, e := range resourceTable {
		if e.descriptor.URI == uri {
			return &mcp.ResourceContents{
				URI:      uri,
				MimeType: e.descriptor.MimeType,
				Text:     e.text,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
}

var promptTable = []mcp.Prompt{
	{
		Name:        "analyze_dataset",
		Description: "Guide an analysis session over one dataset",
		Arguments: []mcp.PromptArgument{
			{Name: "dataset_id", Description: "Dataset to analyze", Required: true},
			{Name: "focus", Description: "Business question or metric to focus on"},
		},
	},
	{
		Name:        "optimize_query",
		Description: "Review a query for correctness and performance",
		Arguments: []mcp.PromptArgument{
			{Name: "query", Description: "Query text to review", Required: true},
		},
	},
}

// Prompts lists the available prompt descriptors.
func Prompts() []mcp.Prompt {
	out := make([]mcp.Prompt, len(promptTable))
	copy(out, promptTable)
	return out
}

// GetPrompt renders the named prompt with the given arguments. Required
// arguments must be present and non-empty.
func GetPrompt(name string, args map[string]string) ([]mcp.PromptMessage, error) {
	var prompt *mcp.Prompt
	for i := range promptTable {
		if promptTable[i].Name == name {
			prompt = &promptTable[i]
			break
		}
	}
	if prompt == nil {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	for _, a := range prompt.Arguments {
		if a.Required && strings.TrimSpace(args[a.Name]) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingPromptArgument, a.Name)
		}
	}

	var text string
	switch name {
	case "analyze_dataset":
		text = fmt.Sprintf(
			"Analyze dataset %q using the vantage_datasets and vantage_query tools. "+
				"Start by listing its structure, then compute the headline aggregates.",
			args["dataset_id"])
		if focus := strings.TrimSpace(args["focus"]); focus != "" {
			text += fmt.Sprintf(" Focus the analysis on: %s.", focus)
		}
	case "optimize_query":
		text = fmt.Sprintf(
			"Review the following query for correctness and performance, and propose "+
				"an improved version using the query language reference resource:\n\n%s",
			args["query"])
	}

	return []mcp.PromptMessage{
		{Role: mcp.RoleUser, Content: mcp.ContentBlock{Type: "text", Text: text}},
	}, nil
}

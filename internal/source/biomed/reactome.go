package biomed

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/converge-bio/converge-go/internal/domain"
)

const (
	CapReactomeQueryPathways  = "reactome_query_pathways"
	CapReactomePathwayDetails = "reactome_pathway_details"
)

// ReactomeAdapter queries the Reactome content service for pathway
// membership and detail.
type ReactomeAdapter struct {
	client *Client
}

func NewReactomeAdapter(baseURL string, timeout time.Duration) *ReactomeAdapter {
	if baseURL == "" {
		baseURL = "https://reactome.org/ContentService"
	}
	return &ReactomeAdapter{client: NewClient("reactome", baseURL, timeout)}
}

func (a *ReactomeAdapter) Source() string { return "reactome" }

func (a *ReactomeAdapter) Capabilities() []string {
	return []string{CapReactomeQueryPathways, CapReactomePathwayDetails}
}

func (a *ReactomeAdapter) Call(ctx context.Context, capability string, params map[string]any) (domain.Records, error) {
	switch capability {
	case CapReactomeQueryPathways:
		return a.queryPathways(ctx, params)
	case CapReactomePathwayDetails:
		return a.pathwayDetails(ctx, params)
	default:
		return nil, unknownCapability(a.Source(), capability)
	}
}

func (a *ReactomeAdapter) queryPathways(ctx context.Context, params map[string]any) (domain.Records, error) {
	query, ok := queryTermParam(params, "query")
	if !ok {
		return nil, missingParam(a.Source(), CapReactomeQueryPathways, "query")
	}
	values := url.Values{
		"query":   {query},
		"species": {stringParamOr(params, "species", "Homo sapiens")},
		"types":   {"Pathway"},
	}
	if limit, ok := stringParam(params, "limit"); ok {
		values.Set("rows", limit)
	}

	body, err := a.client.GetJSON(ctx, "/search/query", values)
	if err != nil {
		return nil, err
	}

	pathways := make([]map[string]any, 0)
	if groups, ok := body["results"].([]any); ok {
		for _, group := range groups {
			entry, ok := group.(map[string]any)
			if !ok {
				continue
			}
			entries, ok := entry["entries"].([]any)
			if !ok {
				continue
			}
			for _, item := range entries {
				hit, ok := item.(map[string]any)
				if !ok {
					continue
				}
				pathways = append(pathways, map[string]any{
					"stable_id": hit["stId"],
					"name":      hit["name"],
					"species":   hit["species"],
				})
			}
		}
	}

	return domain.Records{
		"pathways": pathways,
		"count":    strconv.Itoa(len(pathways)),
	}, nil
}

func (a *ReactomeAdapter) pathwayDetails(ctx context.Context, params map[string]any) (domain.Records, error) {
	id, ok := stringParam(params, "pathway_id")
	if !ok {
		return nil, missingParam(a.Source(), CapReactomePathwayDetails, "pathway_id")
	}
	body, err := a.client.GetJSON(ctx, "/data/query/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return domain.Records{
		"stable_id":    body["stId"],
		"display_name": body["displayName"],
		"species":      body["speciesName"],
		"compartments": body["compartment"],
		"summation":    body["summation"],
	}, nil
}

func stringParamOr(params map[string]any, name, def string) string {
	if v, ok := stringParam(params, name); ok {
		return v
	}
	return def
}

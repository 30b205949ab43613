package biomed

import (
	"context"
	"net/url"
	"time"

	"github.com/converge-bio/converge-go/internal/domain"
)

const CapGWASSearchAssociations = "gwas_search_associations"

// GWASAdapter searches the GWAS Catalog for trait-gene associations.
type GWASAdapter struct {
	client *Client
}

func NewGWASAdapter(baseURL string, timeout time.Duration) *GWASAdapter {
	if baseURL == "" {
		baseURL = "https://www.ebi.ac.uk/gwas/rest/api"
	}
	return &GWASAdapter{client: NewClient("gwas", baseURL, timeout)}
}

func (a *GWASAdapter) Source() string { return "gwas" }

func (a *GWASAdapter) Capabilities() []string {
	return []string{CapGWASSearchAssociations}
}

func (a *GWASAdapter) Call(ctx context.Context, capability string, params map[string]any) (domain.Records, error) {
	if capability != CapGWASSearchAssociations {
		return nil, unknownCapability(a.Source(), capability)
	}

	trait, ok := queryTermParam(params, "trait")
	if !ok {
		return nil, missingParam(a.Source(), CapGWASSearchAssociations, "trait")
	}

	values := url.Values{"efoTrait": {trait}}
	if size, ok := stringParam(params, "limit"); ok {
		values.Set("size", size)
	}

	body, err := a.client.GetJSON(ctx, "/associations/search/findByEfoTrait", values)
	if err != nil {
		return nil, err
	}

	associations := make([]map[string]any, 0)
	genes := make([]string, 0)
	seenGenes := make(map[string]struct{})

	embedded, _ := body["_embedded"].(map[string]any)
	items, _ := embedded["associations"].([]any)
	for _, item := range items {
		assoc, ok := item.(map[string]any)
		if !ok {
			continue
		}
		record := map[string]any{
			"p_value":     assoc["pvalue"],
			"risk_allele": assoc["strongestAllele"],
		}
		var assocGenes []string
		if loci, ok := assoc["loci"].([]any); ok {
			for _, locusRaw := range loci {
				locus, ok := locusRaw.(map[string]any)
				if !ok {
					continue
				}
				reported, _ := locus["authorReportedGenes"].([]any)
				for _, geneRaw := range reported {
					gene, ok := geneRaw.(map[string]any)
					if !ok {
						continue
					}
					name, _ := gene["geneName"].(string)
					if name == "" {
						continue
					}
					assocGenes = append(assocGenes, name)
					if _, seen := seenGenes[name]; !seen {
						seenGenes[name] = struct{}{}
						genes = append(genes, name)
					}
				}
			}
		}
		record["genes"] = assocGenes
		associations = append(associations, record)
	}

	return domain.Records{
		"associations": associations,
		"genes":        genes,
		"trait":        trait,
	}, nil
}

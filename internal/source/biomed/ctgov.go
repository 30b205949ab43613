package biomed

import (
	"context"
	"net/url"
	"time"

	"github.com/converge-bio/converge-go/internal/domain"
)

const CapCTGovSearchTrials = "ctgov_search_trials"

// CTGovAdapter searches the ClinicalTrials.gov v2 registry.
type CTGovAdapter struct {
	client *Client
}

func NewCTGovAdapter(baseURL string, timeout time.Duration) *CTGovAdapter {
	if baseURL == "" {
		baseURL = "https://clinicaltrials.gov/api/v2"
	}
	return &CTGovAdapter{client: NewClient("ctgov", baseURL, timeout)}
}

func (a *CTGovAdapter) Source() string { return "ctgov" }

func (a *CTGovAdapter) Capabilities() []string {
	return []string{CapCTGovSearchTrials}
}

func (a *CTGovAdapter) Call(ctx context.Context, capability string, params map[string]any) (domain.Records, error) {
	if capability != CapCTGovSearchTrials {
		return nil, unknownCapability(a.Source(), capability)
	}

	condition, hasCondition := queryTermParam(params, "condition")
	intervention, hasIntervention := queryTermParam(params, "intervention")
	if !hasCondition && !hasIntervention {
		return nil, missingParam(a.Source(), CapCTGovSearchTrials, "condition")
	}

	values := url.Values{}
	if hasCondition {
		values.Set("query.cond", condition)
	}
	if hasIntervention {
		values.Set("query.intr", intervention)
	}
	if size, ok := stringParam(params, "limit"); ok {
		values.Set("pageSize", size)
	}

	body, err := a.client.GetJSON(ctx, "/studies", values)
	if err != nil {
		return nil, err
	}

	trials := make([]map[string]any, 0)
	studies, _ := body["studies"].([]any)
	for _, item := range studies {
		study, ok := item.(map[string]any)
		if !ok {
			continue
		}
		protocol, _ := study["protocolSection"].(map[string]any)
		identification, _ := protocol["identificationModule"].(map[string]any)
		status, _ := protocol["statusModule"].(map[string]any)
		design, _ := protocol["designModule"].(map[string]any)

		trials = append(trials, map[string]any{
			"nct_id": identification["nctId"],
			"title":  identification["briefTitle"],
			"status": status["overallStatus"],
			"phases": design["phases"],
		})
	}

	return domain.Records{
		"trials": trials,
		"count":  len(trials),
	}, nil
}

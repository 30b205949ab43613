package biomed

import (
	"context"
	"net/url"
	"time"

	"github.com/converge-bio/converge-go/internal/domain"
)

const (
	CapChEMBLFindCompounds   = "chembl_find_compounds"
	CapChEMBLCompoundDetails = "chembl_compound_details"
)

// ChEMBLAdapter looks up bioactive compounds and their development phase.
type ChEMBLAdapter struct {
	client *Client
}

func NewChEMBLAdapter(baseURL string, timeout time.Duration) *ChEMBLAdapter {
	if baseURL == "" {
		baseURL = "https://www.ebi.ac.uk/chembl/api/data"
	}
	return &ChEMBLAdapter{client: NewClient("chembl", baseURL, timeout)}
}

func (a *ChEMBLAdapter) Source() string { return "chembl" }

func (a *ChEMBLAdapter) Capabilities() []string {
	return []string{CapChEMBLFindCompounds, CapChEMBLCompoundDetails}
}

func (a *ChEMBLAdapter) Call(ctx context.Context, capability string, params map[string]any) (domain.Records, error) {
	switch capability {
	case CapChEMBLFindCompounds:
		return a.findCompounds(ctx, params)
	case CapChEMBLCompoundDetails:
		return a.compoundDetails(ctx, params)
	default:
		return nil, unknownCapability(a.Source(), capability)
	}
}

func (a *ChEMBLAdapter) findCompounds(ctx context.Context, params map[string]any) (domain.Records, error) {
	target, ok := queryTermParam(params, "target")
	if !ok {
		return nil, missingParam(a.Source(), CapChEMBLFindCompounds, "target")
	}
	values := url.Values{
		"q":      {target},
		"format": {"json"},
	}
	if limit, ok := stringParam(params, "limit"); ok {
		values.Set("limit", limit)
	}

	body, err := a.client.GetJSON(ctx, "/molecule/search", values)
	if err != nil {
		return nil, err
	}

	compounds := make([]map[string]any, 0)
	keys := make([]string, 0)
	molecules, _ := body["molecules"].([]any)
	for _, item := range molecules {
		molecule, ok := item.(map[string]any)
		if !ok {
			continue
		}
		chemblID, _ := molecule["molecule_chembl_id"].(string)
		if chemblID == "" {
			continue
		}
		compounds = append(compounds, map[string]any{
			"chembl_id": chemblID,
			"name":      molecule["pref_name"],
			"max_phase": molecule["max_phase"],
		})
		keys = append(keys, chemblID)
	}

	return domain.Records{
		"compounds":    compounds,
		"compound_ids": keys,
	}, nil
}

func (a *ChEMBLAdapter) compoundDetails(ctx context.Context, params map[string]any) (domain.Records, error) {
	id, ok := stringParam(params, "chembl_id")
	if !ok {
		return nil, missingParam(a.Source(), CapChEMBLCompoundDetails, "chembl_id")
	}
	body, err := a.client.GetJSON(ctx, "/molecule/"+url.PathEscape(id), url.Values{"format": {"json"}})
	if err != nil {
		return nil, err
	}
	return domain.Records{
		"chembl_id":      body["molecule_chembl_id"],
		"name":           body["pref_name"],
		"max_phase":      body["max_phase"],
		"molecule_type":  body["molecule_type"],
		"first_approval": body["first_approval"],
		"indication":     body["indication_class"],
	}, nil
}

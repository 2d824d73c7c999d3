package sourcecrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// NationalAverages is the payload for the one write-back path the pipeline
// performs (spec §4.5 step 5, Non-goals exception): per-cycle means for the
// six VESPA elements, for one academic year.
type NationalAverages struct {
	AcademicYear string
	// Means[cycle][element] = mean value.
	Means map[int]map[model.Element]float64
}

// WriteNationalAverages upserts the single national-averages record for one
// academic year (spec §6.1 "Write-back target").
func (c *Client) WriteNationalAverages(ctx context.Context, avg NationalAverages) error {
	body := map[string]any{
		"object":        "national_averages",
		"academic_year": avg.AcademicYear,
	}
	for cycle, means := range avg.Means {
		for el, v := range means {
			body[NationalWritebackField(cycle, el)] = v
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/objects/national_averages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Application-Id", c.AppID)
	req.Header.Set("X-API-Key", c.APIKey)

	if err := c.Limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrAuthFailure
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrMalformedResponse, resp.StatusCode)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nugget/moodmender/internal/connwatch"
	"github.com/nugget/moodmender/internal/httpkit"
)

// httpProbe treats any response below 500 as reachable. Endpoints
// that need credentials answer 401 or 405 to a bare HEAD, which still
// proves the service is up.
func httpProbe(client *http.Client, url string) connwatch.Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		httpkit.DrainAndClose(resp.Body, 4096)
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s answered %d", url, resp.StatusCode)
		}
		return nil
	}
}

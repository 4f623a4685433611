package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"github.com/xhad/documind/internal/types"
)

// CheckModels verifies that every named model is present on the Ollama
// server, so a missing model fails startup instead of the first request.
func CheckModels(ctx context.Context, baseURL string, names ...string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("%w: invalid Ollama URL %q: %w", types.ErrModelLoad, baseURL, err)
	}

	client := api.NewClient(u, http.DefaultClient)
	for _, name := range names {
		if _, err := client.Show(ctx, &api.ShowRequest{Model: name}); err != nil {
			return fmt.Errorf("%w: model %s is not available on %s: %w", types.ErrModelLoad, name, baseURL, err)
		}
	}
	return nil
}

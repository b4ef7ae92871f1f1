package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Project is a MyCrewManager project as returned by the API.
type Project struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// projectsPage is the paginated list shape.
type projectsPage struct {
	Count   int       `json:"count"`
	Next    *string   `json:"next"`
	Results []Project `json:"results"`
}

// GetProject retrieves one project by ID.
func (c *Client) GetProject(ctx context.Context, id int64) (*Project, error) {
	var p Project
	if err := c.get(ctx, "/projects/"+strconv.FormatInt(id, 10)+"/", nil, &p); err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return &p, nil
}

// ListProjects retrieves every project visible to the session. Both a bare
// array and a paginated {"results": [...]} response are accepted; pages
// are followed until exhausted.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var all []Project
	query := url.Values{}
	page := 1

	for {
		body, err := c.doWithRetry(ctx, http.MethodGet, "/projects/", query)
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}

		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var list []Project
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, fmt.Errorf("unmarshal response: %w", err)
			}
			return append(all, list...), nil
		}

		var resp projectsPage
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		all = append(all, resp.Results...)

		if resp.Next == nil || *resp.Next == "" || len(resp.Results) == 0 {
			break
		}
		page++
		query.Set("page", strconv.Itoa(page))
	}

	return all, nil
}

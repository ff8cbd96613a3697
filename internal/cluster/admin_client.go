package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AdminClient is the thin HTTP client cmd/racd's subcommands use to reach a
// running node's AdminServer.
type AdminClient struct {
	base string
	hc   *http.Client
}

func NewAdminClient(addr string, timeout time.Duration) *AdminClient {
	return &AdminClient{base: "http://" + addr, hc: &http.Client{Timeout: timeout}}
}

func (c *AdminClient) get(path string, out interface{}) error {
	resp, err := c.hc.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("admin request: %w", err)
	}
	defer resp.Body.Close()
	return decodeAdminResponse(resp, out)
}

func (c *AdminClient) post(path string, query url.Values, out interface{}) error {
	u := c.base + path
	if query != nil {
		u += "?" + query.Encode()
	}
	resp, err := c.hc.Post(u, "application/x-www-form-urlencoded", nil)
	if err != nil {
		return fmt.Errorf("admin request: %w", err)
	}
	defer resp.Body.Close()
	return decodeAdminResponse(resp, out)
}

func decodeAdminResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("admin server: %s", e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *AdminClient) View() (*ViewDTO, error) {
	var out ViewDTO
	if err := c.get("/v1/view", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AdminClient) GrdStats() ([]StatsDTO, error) {
	var out []StatsDTO
	if err := c.get("/v1/grd/stats", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) Recover(instanceID uint32) error {
	q := url.Values{"instance": {fmt.Sprintf("%d", instanceID)}}
	return c.post("/v1/recover", q, nil)
}

func (c *AdminClient) Remaster(resource string, toInstance uint32) error {
	q := url.Values{"resource": {resource}, "to": {fmt.Sprintf("%d", toInstance)}}
	return c.post("/v1/remaster", q, nil)
}

func (c *AdminClient) NodeDown(force bool) error {
	mode := "graceful"
	if force {
		mode = "force"
	}
	q := url.Values{"mode": {mode}}
	return c.post("/v1/node/down", q, nil)
}

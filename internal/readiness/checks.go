package readiness

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/database"
)

// DBCheck connects to the server's maintenance database and pings it.
type DBCheck struct {
	Config database.Config
}

func (c DBCheck) Name() string { return "database" }

func (c DBCheck) Check(ctx context.Context) error {
	db, err := database.Open(ctx, c.Config)
	if err != nil {
		return err
	}
	return db.Close()
}

// HTTPCheck issues a GET and treats any status below 500 as healthy: a
// redirect or 404 still proves the web server is up.
type HTTPCheck struct {
	URL    string
	Client *http.Client
}

// NewHTTPCheck returns a check whose client neither follows redirects nor
// keeps idle connections.
func NewHTTPCheck(url string) HTTPCheck {
	return HTTPCheck{
		URL: url,
		Client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c HTTPCheck) Name() string { return "http" }

func (c HTTPCheck) Check(ctx context.Context) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("GET %s: status %d", c.URL, resp.StatusCode)
	}
	return nil
}

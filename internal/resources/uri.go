package resources

import (
	"fmt"
	"net/url"
	"strings"
)

// URI represents a parsed Azure-style storage resource URL of the form
// https://<account>.<service>.core.windows.net/<object>?<sas>, the same shape
// kusto/ingest/internal/resources/resources_test.go's TestParse exercises
// against the teacher's (unretrieved) resources.parse.
type URI struct {
	raw     string
	account string
	service string
	object  string
	query   url.Values
}

// Parse parses a container/queue/table resource URL advertised by the resource
// discovery endpoint.
func Parse(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("resources: invalid resource URL %q: %w", raw, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("resources: resource URL %q must use https", raw)
	}

	host := u.Hostname()
	parts := strings.SplitN(host, ".", 3)
	if len(parts) < 3 || parts[0] == "" {
		return nil, fmt.Errorf("resources: resource URL %q is missing an account name", raw)
	}
	account, service, domain := parts[0], parts[1], parts[2]
	switch service {
	case "blob", "queue", "table", "dfs":
	default:
		return nil, fmt.Errorf("resources: resource URL %q has an unrecognized object type %q", raw, service)
	}
	if domain != "core.windows.net" {
		return nil, fmt.Errorf("resources: resource URL %q has an unrecognized storage domain %q", raw, domain)
	}

	object := strings.Trim(u.Path, "/")
	if object == "" {
		return nil, fmt.Errorf("resources: resource URL %q has no object name", raw)
	}

	return &URI{
		raw:     raw,
		account: account,
		service: service,
		object:  object,
		query:   u.Query(),
	}, nil
}

func (u *URI) Account() string    { return u.account }
func (u *URI) ObjectType() string { return u.service }
func (u *URI) ObjectName() string { return u.object }
func (u *URI) SAS() url.Values    { return u.query }
func (u *URI) String() string     { return u.raw }

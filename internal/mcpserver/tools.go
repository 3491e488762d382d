// Package mcpserver registers MCP tools that expose the API catalog and
// the broker's call pipeline to agents.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/apibroker/internal/auth"
	"github.com/alexjbarnes/apibroker/internal/broker"
	"github.com/alexjbarnes/apibroker/internal/catalog"
	"github.com/alexjbarnes/apibroker/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Catalog is the catalog surface the tools read.
type Catalog interface {
	Names() []string
	Descriptor(name string) (*catalog.Descriptor, error)
	Definition(name string) (map[string]any, error)
}

// Sessions loads the broker session the tools act under.
type Sessions interface {
	Load(ctx context.Context, id string) *session.Session
}

// Deps holds what the tools need. Every tool call runs under SessionID,
// so negotiated credentials are shared by all MCP clients. Sign-in URLs
// carry a state that binds the provider callback to that session.
type Deps struct {
	Broker    *broker.Broker
	Catalog   Catalog
	Sessions  Sessions
	SessionID string

	// PublicURL stands in for the browser Referer when a call has to
	// start a negotiation.
	PublicURL string
}

// RegisterTools adds all broker tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "api_list",
		Description: "List every API in the catalog with its base URL and authentication scheme. Use this first to find the apiName for other tools.",
	}, listHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "api_search",
		Description: "Search an API's method definitions. Words must all match a single field; \"a OR b\" matches either. Returns method names, categories and HTTP methods.",
	}, searchHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "api_call",
		Description: "Call an upstream API method through the broker. Path placeholders like :id are filled from params. When the API needs a user authorization first, the result carries a signin or implicit URL to open instead of a response.",
	}, callHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput has no parameters.
type ListInput struct{}

// SearchInput holds parameters for api_search.
type SearchInput struct {
	API  string `json:"api" jsonschema:"required,API name from api_list"`
	Term string `json:"term" jsonschema:"required,search terms"`
}

// CallInput holds parameters for api_call.
type CallInput struct {
	API         string            `json:"api" jsonschema:"required,API name from api_list"`
	Method      string            `json:"method,omitempty" jsonschema:"HTTP method, defaults to GET"`
	Path        string            `json:"path" jsonschema:"required,method URI relative to the API path, e.g. /users/:id"`
	Params      map[string]string `json:"params,omitempty" jsonschema:"path, query or header parameters by name"`
	Locations   map[string]string `json:"locations,omitempty" jsonschema:"set a param to header to send it as a request header"`
	Headers     map[string]string `json:"headers,omitempty" jsonschema:"extra request headers"`
	Body        string            `json:"body,omitempty" jsonschema:"request body"`
	ContentType string            `json:"content_type,omitempty" jsonschema:"request body content type"`
	APIKey      string            `json:"api_key,omitempty" jsonschema:"consumer key or client ID"`
	APISecret   string            `json:"api_secret,omitempty" jsonschema:"consumer secret or client secret"`
	Authorize   bool              `json:"authorize,omitempty" jsonschema:"run the API's OAuth flow when not yet authorized"`
	AccessToken string            `json:"access_token,omitempty" jsonschema:"token returned by an implicit-grant redirect"`
}

// --- Output types ---

// APIInfo is one catalog entry.
type APIInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	BaseURL string `json:"base_url"`
	Auth    string `json:"auth"`
}

// ListResult is the api_list output.
type ListResult struct {
	APIs []APIInfo `json:"apis"`
}

// CallResult is the api_call output: the upstream envelope, or the
// negotiation URL the user must visit before retrying.
type CallResult struct {
	Code     int               `json:"code,omitempty"`
	Call     string            `json:"call,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Response any               `json:"response,omitempty"`

	Signin   string `json:"signin,omitempty"`
	Implicit string `json:"implicit,omitempty"`
}

// --- Handlers ---

func listHandler(d Deps) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListResult, error) {
		result := &ListResult{APIs: []APIInfo{}}
		for _, name := range d.Catalog.Names() {
			desc, err := d.Catalog.Descriptor(name)
			if err != nil {
				continue
			}
			result.APIs = append(result.APIs, APIInfo{
				Name:    desc.Name,
				Title:   desc.Title,
				BaseURL: desc.Scheme() + "://" + desc.BaseURL,
				Auth:    authName(desc.Auth),
			})
		}
		return textResult(result), result, nil
	}
}

func searchHandler(d Deps) mcp.ToolHandlerFor[SearchInput, *catalog.SearchResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *catalog.SearchResult, error) {
		def, err := d.Catalog.Definition(input.API)
		if err != nil {
			return nil, nil, err
		}
		result := catalog.Search(input.API, def, input.Term)
		return textResult(result), result, nil
	}
}

func callHandler(d Deps) mcp.ToolHandlerFor[CallInput, *CallResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CallInput) (*mcp.CallToolResult, *CallResult, error) {
		req := &broker.Request{
			API:         input.API,
			MethodURI:   input.Path,
			HTTPMethod:  input.Method,
			Params:      input.Params,
			Locations:   input.Locations,
			Content:     input.Body,
			ContentType: input.ContentType,
			APIKey:      input.APIKey,
			APISecret:   input.APISecret,
			AccessToken: input.AccessToken,
			Referer:     d.PublicURL,

			// The user's browser finishes the flow without the MCP
			// session's cookie.
			BindCallback: true,
		}
		for name, value := range input.Headers {
			req.HeaderNames = append(req.HeaderNames, name)
			req.HeaderValues = append(req.HeaderValues, value)
		}
		if input.Authorize {
			req.Flags = auth.Flags{OAuth: auth.AuthRequired, OAuth2: auth.AuthRequired}
		}

		sess := d.Sessions.Load(ctx, d.SessionID)
		out, err := d.Broker.Process(ctx, sess, req)
		if err != nil {
			return nil, nil, err
		}

		result := &CallResult{}
		if out.Negotiation != nil {
			result.Signin = out.Negotiation.Signin
			result.Implicit = out.Negotiation.Implicit
		} else {
			result.Code = out.Result.Code
			result.Call = out.Result.Call
			result.Headers = out.Result.Headers
			result.Response = out.Result.Response
		}
		return textResult(result), result, nil
	}
}

func authName(a catalog.Auth) string {
	switch a.(type) {
	case catalog.StaticKey:
		return "api key"
	case catalog.Signature:
		return "signed key"
	case catalog.OAuth1:
		return "oauth1"
	case catalog.OAuth2:
		return "oauth2"
	}
	return "none"
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

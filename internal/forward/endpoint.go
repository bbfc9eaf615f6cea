package forward

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// endpointSchema validates control_endpoint.json before any field is
// trusted. base_url is required; token_path is optional and defaults to
// the sibling control_auth.json.
const endpointSchemaJSON = `{
	"type": "object",
	"properties": {
		"base_url": {"type": "string", "minLength": 1},
		"token_path": {"type": "string"}
	},
	"required": ["base_url"]
}`

var endpointSchema = mustCompileSchema(endpointSchemaJSON)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic("forward: unmarshal endpoint schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("endpoint.json", doc); err != nil {
		panic("forward: add endpoint schema: " + err.Error())
	}
	schema, err := c.Compile("endpoint.json")
	if err != nil {
		panic("forward: compile endpoint schema: " + err.Error())
	}
	return schema
}

// Endpoint is the validated discovery result for one child run.
type Endpoint struct {
	BaseURL *url.URL
	Token   string
}

// LoadEndpoint resolves the manifest path, then reads and validates the
// sibling control_endpoint.json and control_auth.json.
func LoadEndpoint(manifestPath string, allowedRoots []string, allowedHosts map[string]struct{}) (Endpoint, error) {
	resolved, err := ResolveManifestPath(manifestPath, allowedRoots)
	if err != nil {
		return Endpoint{}, err
	}
	runDir := filepath.Dir(resolved)

	raw, err := os.ReadFile(filepath.Join(runDir, "control_endpoint.json"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrEndpointInvalid, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: malformed json", ErrEndpointInvalid)
	}
	if err := endpointSchema.Validate(doc); err != nil {
		return Endpoint{}, fmt.Errorf("%w: schema", ErrEndpointInvalid)
	}

	var info struct {
		BaseURL   string `json:"base_url"`
		TokenPath string `json:"token_path"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return Endpoint{}, fmt.Errorf("%w: malformed json", ErrEndpointInvalid)
	}

	baseURL, err := validateBaseURL(info.BaseURL, allowedHosts)
	if err != nil {
		return Endpoint{}, err
	}
	tokenPath, err := resolveTokenPath(info.TokenPath, runDir)
	if err != nil {
		return Endpoint{}, err
	}
	token, err := readToken(tokenPath)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{BaseURL: baseURL, Token: token}, nil
}

func validateBaseURL(raw string, allowedHosts map[string]struct{}) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEndpointInvalid
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, ErrEndpointInvalid
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, ErrEndpointInvalid
	}
	if parsed.User != nil {
		return nil, ErrEndpointInvalid
	}
	if len(allowedHosts) > 0 {
		if _, ok := allowedHosts[strings.ToLower(parsed.Hostname())]; !ok {
			return nil, ErrEndpointNotPermitted
		}
	}
	return parsed, nil
}

// resolveTokenPath keeps the auth file inside the child's run directory,
// whatever the descriptor claims.
func resolveTokenPath(tokenPath, runDir string) (string, error) {
	resolved := filepath.Join(runDir, "control_auth.json")
	if trimmed := strings.TrimSpace(tokenPath); trimmed != "" {
		if filepath.IsAbs(trimmed) {
			resolved = filepath.Clean(trimmed)
		} else {
			resolved = filepath.Join(runDir, trimmed)
		}
	}
	if !withinRoots(resolved, []string{runDir}) {
		return "", ErrAuthInvalid
	}
	return resolved, nil
}

// readToken accepts either {"token": "..."} or a bare token file.
func readToken(tokenPath string) (string, error) {
	raw, err := os.ReadFile(tokenPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}
	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && strings.TrimSpace(parsed.Token) != "" {
		return strings.TrimSpace(parsed.Token), nil
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", ErrAuthInvalid
	}
	return token, nil
}
